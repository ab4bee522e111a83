// Command filevault runs the file storage server and talks to it.
//
// Features:
// - Validated, paced batch uploads with per-file metadata records
// - Multi-backend storage (local, S3, R2, GCS, Azure Blob)
// - PostgreSQL, SQLite or in-memory metadata
// - JWT bearer auth
// - Prometheus metrics & structured logging (zap)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "filevault",
		Short:         "Multi-backend file storage service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newTokenCmd(),
		newUploadCmd(),
		newListCmd(),
		newDownloadCmd(),
		newRemoveCmd(),
	)
	return root
}
