package evfs

import (
	"fmt"
	"runtime"
	"sync"
)

// encryptSpan encrypts every page in pageBufs in place (page 1
// excepted), fanning the work out across a worker pool once the span
// is large enough to be worth it (SPEC_FULL §4.4.1). Grounded on
// teacher parallel.go's parallelEncryptChunks, generalized from "N
// chunks of one file, keyed by chunk index" to "N pages of one I/O
// span, keyed by page number".
func (e *pageEngine) encryptSpan(sp pageSpan, pageBufs [][]byte) error {
	return e.runSpan(sp, pageBufs, func(buf []byte, pageNo uint64, engine *aeadEngine) error {
		if pageNo == 1 {
			return nil
		}
		return encryptPage(buf, pageNo, engine, e.payloadSize, e.reserveSize)
	})
}

// decryptSpan decrypts every page in pageBufs in place (page 1
// excepted; plaintext pages are left untouched).
func (e *pageEngine) decryptSpan(sp pageSpan, pageBufs [][]byte) error {
	return e.runSpan(sp, pageBufs, func(buf []byte, pageNo uint64, engine *aeadEngine) error {
		if pageNo == 1 {
			return nil
		}
		_, err := decryptPage(buf, pageNo, engine, e.payloadSize, e.reserveSize)
		return err
	})
}

// runSpan applies op to every page in pageBufs, sequentially below
// the parallel threshold and via a worker pool above it.
func (e *pageEngine) runSpan(sp pageSpan, pageBufs [][]byte, op func(buf []byte, pageNo uint64, engine *aeadEngine) error) error {
	n := sp.count()
	if n == 0 {
		return nil
	}

	if !e.parallel.Enabled || n < e.parallel.MinPagesForParallel {
		engine := e.engineFor()
		for i := 0; i < n; i++ {
			pageNo := sp.first + uint64(i)
			if err := op(pageBufs[i], pageNo, engine); err != nil {
				return err
			}
		}
		return nil
	}

	numWorkers := e.parallel.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > n {
		numWorkers = n
	}

	var wg sync.WaitGroup
	jobChan := make(chan int, n)
	errChan := make(chan error, numWorkers)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("evfs: panic in page codec worker: %v", r)
					select {
					case errChan <- err:
					default:
					}
				}
			}()
			engine := e.engineFor()
			for idx := range jobChan {
				pageNo := sp.first + uint64(idx)
				if err := op(pageBufs[idx], pageNo, engine); err != nil {
					select {
					case errChan <- err:
					default:
					}
					return
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobChan <- i
	}
	close(jobChan)
	wg.Wait()
	close(errChan)

	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}
