// Command evfsutil is a small inspection tool for evfs-encrypted
// SQLite databases. It mirrors teacher's examples/basic and
// examples/advanced in spirit (a runnable demonstration of the
// library's registration flow) but is built as a real cobra CLI
// instead of a single main func, since that is the shape the rest of
// this module's dependency pack uses for multi-command tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "evfsutil:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "evfsutil",
	Short: "Inspect and exercise evfs-encrypted SQLite databases",
	Long: `evfsutil is a companion tool for the evfs encrypted VFS.

It registers the VFS against a keyfile or passphrase and can run a
smoke-test query through it, or inspect a keyring sidecar's header
fields without ever unwrapping the key-encryption key it was sealed
under.`,
}
