package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fruitsalade/filevault/pkg/client"
)

// remoteFlags are shared by the commands that talk to a running server.
type remoteFlags struct {
	server string
	token  string
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	server := os.Getenv("FILEVAULT_URL")
	if server == "" {
		server = "http://localhost:8080"
	}
	cmd.Flags().StringVar(&f.server, "server", server, "server base URL ($FILEVAULT_URL)")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("FILEVAULT_TOKEN"), "bearer token ($FILEVAULT_TOKEN)")
}

func (f *remoteFlags) client() (*client.Client, error) {
	if f.token == "" {
		return nil, fmt.Errorf("a token is required; pass --token or set FILEVAULT_TOKEN")
	}
	c := client.New(client.Config{BaseURL: f.server})
	c.SetAuthToken(f.token)
	return c, nil
}

func newUploadCmd() *cobra.Command {
	var flags remoteFlags

	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload files as one batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}

			batch := make([]client.File, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				batch = append(batch, client.File{
					Name:        filepath.Base(path),
					ContentType: mime.TypeByExtension(filepath.Ext(path)),
					Data:        data,
				})
			}

			uploaded, err := c.Upload(cmd.Context(), batch)
			if err != nil {
				return err
			}
			for _, f := range uploaded {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", f.ID, f.Name)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newListCmd() *cobra.Command {
	var flags remoteFlags

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}

			list, err := c.List(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSIZE\tTYPE\tCREATED")
			for _, f := range list {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					f.ID, f.Name, f.Size, f.ContentType, f.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	flags.register(cmd)
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var (
		flags  remoteFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "download ID",
		Short: "Download a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid file id: %w", err)
			}
			c, err := flags.client()
			if err != nil {
				return err
			}

			if output == "" {
				meta, err := c.Meta(cmd.Context(), id)
				if err != nil {
					return err
				}
				output = filepath.Base(meta.Name)
			}

			data, _, err := c.Download(cmd.Context(), id)
			if err != nil {
				return err
			}
			if output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", `output path, "-" for stdout (default: the stored name)`)
	return cmd
}

func newRemoveCmd() *cobra.Command {
	var flags remoteFlags

	cmd := &cobra.Command{
		Use:   "rm ID...",
		Short: "Remove files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid file id %q: %w", arg, err)
				}
				if err := c.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("remove %s: %w", id, err)
				}
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
