package evfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBuffer(t *testing.T) {
	require.Error(t, validateBuffer(nil, "buf", 1))
	require.Error(t, validateBuffer([]byte{1}, "buf", 4))
	require.NoError(t, validateBuffer([]byte{1, 2, 3, 4}, "buf", 4))
}

func TestValidateOffset(t *testing.T) {
	require.Error(t, validateOffset(-1, "off"))
	require.NoError(t, validateOffset(0, "off"))
}

func TestValidateNonce(t *testing.T) {
	require.Error(t, validateNonce(nil, CipherAES256GCM))
	require.Error(t, validateNonce(make([]byte, 8), CipherAES256GCM))
	require.NoError(t, validateNonce(make([]byte, 12), CipherAES256GCM))
}

func TestValidateKey(t *testing.T) {
	require.Error(t, validateKey(nil, 32))
	require.Error(t, validateKey(make([]byte, 16), 32))
	require.NoError(t, validateKey(make([]byte, 32), 32))
}

func TestValidatePageNo(t *testing.T) {
	require.Error(t, validatePageNo(0))
	require.NoError(t, validatePageNo(1))
}

func TestValidateScope(t *testing.T) {
	require.NoError(t, validateScope(DatabaseScope()))
	require.NoError(t, validateScope(TableScope("users")))
	require.Error(t, validateScope(Scope{Kind: ScopeTable, Name: ""}))
	require.Error(t, validateScope(Scope{Kind: ScopeDatabase, Name: "oops"}))
}

func TestOptionsValidate(t *testing.T) {
	base := func() *Options {
		return &Options{KeyProvider: testProvider("pw")}
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("nil options", func(t *testing.T) {
		var o *Options
		assert.ErrorIs(t, o.Validate(), ErrNilOptions)
	})

	t.Run("nil key provider", func(t *testing.T) {
		o := base()
		o.KeyProvider = nil
		assert.ErrorIs(t, o.Validate(), ErrNilKeyProvider)
	})

	t.Run("bad page size", func(t *testing.T) {
		o := base()
		o.PageSize = 1000 // not a power of two
		assert.True(t, IsConfigError(o.Validate()))
	})

	t.Run("reserve too small", func(t *testing.T) {
		o := base()
		o.ReserveSize = 4
		assert.True(t, IsConfigError(o.Validate()))
	})

	t.Run("reserve not smaller than page", func(t *testing.T) {
		o := base()
		o.PageSize = 512
		o.ReserveSize = 512
		assert.True(t, IsConfigError(o.Validate()))
	})

	t.Run("negative parallel workers", func(t *testing.T) {
		o := base()
		o.Parallel = ParallelConfig{Enabled: true, MaxWorkers: -1, MinPagesForParallel: 1}
		assert.True(t, IsConfigError(o.Validate()))
	})
}

func TestCipherSuiteResolveAndString(t *testing.T) {
	assert.Equal(t, CipherAES256GCM, CipherAuto.resolve())
	assert.Equal(t, "aes-256-gcm", CipherAES256GCM.String())
	assert.Equal(t, "chacha20-poly1305", CipherChaCha20Poly1305.String())
	assert.Equal(t, "unknown", CipherSuite(99).String())
}
