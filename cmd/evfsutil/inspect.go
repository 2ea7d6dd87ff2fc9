package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evfs-project/evfs"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <database>",
	Short: "Print a keyring sidecar's header without unwrapping any key",
	Long: `Reads <database>.evfs-keyring and reports its keyring ID and the
number of scopes it holds, without contacting a key provider or
unwrapping any wrapped data-encryption key. Useful for confirming a
sidecar exists and is well-formed before attempting to open the
database it belongs to.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(dbPath string) error {
	sidecar := dbPath + evfs.KeyringSuffix
	summary, err := evfs.InspectSidecar(sidecar)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", sidecar, err)
	}
	fmt.Printf("sidecar:   %s\n", sidecar)
	fmt.Printf("keyring id: %s\n", summary.ID)
	fmt.Printf("scopes:    %d\n", summary.ScopeCount)
	return nil
}
