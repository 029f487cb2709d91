package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/your-org/mediamigrate/internal/sidecar"
	"github.com/your-org/mediamigrate/pkg/logger"
)

var cleanSidecarsCmd = &cobra.Command{
	Use:   "clean-sidecars <dir>",
	Short: "Trim downloaded sidecars to the archive fields",
	Long: "Rewrites every *.jpg.json sidecar in <dir> as <stem>.json keeping only " +
		"filename, keywords, format, fileSize and dimensions, then removes the original.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logr, err := logger.NewConsole("info")
		if err != nil {
			return err
		}
		defer logr.Sync() //nolint:errcheck

		report, err := sidecar.NewCleaner(afero.NewOsFs(), logr).Clean(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if report.Found == 0 {
			fmt.Fprintf(out, "No .jpg.json files found in %s\n", args[0])
			return nil
		}
		fmt.Fprintf(out, "Complete: %d succeeded, %d failed\n", report.Succeeded, report.Failed)
		if report.Failed == 0 {
			return nil
		}
		fmt.Fprintln(out, "\nFailures:")
		for _, f := range report.Failures {
			fmt.Fprintf(out, "  %s: %s\n", f.Name, f.Message)
		}
		return fmt.Errorf("%d sidecars failed", report.Failed)
	},
}

func init() {
	rootCmd.AddCommand(cleanSidecarsCmd)
}
