package main

import (
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/s3-watch-sync/internal/logging"
	"github.com/yuya-takeyama/s3-watch-sync/internal/progress"
	"github.com/yuya-takeyama/s3-watch-sync/internal/remote"
)

func newFoldersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "folders",
		Short: "List the remote folders below the target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			backend, err := newBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			folders, err := backend.FetchRemoteFolders(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list folders: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(folders) == 0 {
				fmt.Fprintln(out, "No folders")
				return nil
			}
			printFolders(out, folders, 0)
			return nil
		},
	}
}

func printFolders(w io.Writer, folders []remote.Folder, depth int) {
	for _, f := range folders {
		fmt.Fprintf(w, "%s%s/\t(id: %s)\n", strings.Repeat("  ", depth), f.Name, f.ID)
		printFolders(w, f.Children, depth+1)
	}
}

func newQuotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show storage used below the target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			backend, err := newBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			quota, err := backend.CheckQuota(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to check quota: %w", err)
			}

			out := cmd.OutOrStdout()
			if quota.Total == math.MaxInt64 {
				fmt.Fprintln(out, "Total: unlimited (set quotaBytes to track usage)")
				return nil
			}
			fmt.Fprintf(out, "Total: %s\n", logging.FormatBytes(quota.Total))
			fmt.Fprintf(out, "Used:  %s\n", logging.FormatBytes(quota.Used))
			fmt.Fprintf(out, "Free:  %s\n", logging.FormatBytes(quota.Free()))
			return nil
		},
	}
}

func newProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "List interrupted uploads that will resume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openProgress(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			names := store.Names()
			if len(names) == 0 {
				fmt.Fprintln(out, "No uploads in progress")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tUPLOADED\tTOTAL\tSESSION")
			for _, name := range names {
				r, _ := store.Get(name)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name,
					logging.FormatBytes(r.UploadedSize), logging.FormatBytes(r.TotalSize), r.SessionToken)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <FileName>...",
		Short: "Forget upload progress so the files start over",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openProgress(cmd)
			if err != nil {
				return err
			}
			for _, name := range args {
				if _, ok := store.Get(name); !ok {
					logrus.WithField("file", name).Warn("No upload progress recorded")
					continue
				}
				if err := store.Clear(name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", name)
			}
			return nil
		},
	})
	return cmd
}

func openProgress(cmd *cobra.Command) (*progress.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return progress.Open(appFs, cfg.ProgressFile, logrus.WithField("component", "progress")), nil
}
