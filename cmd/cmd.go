// Package cmd implements the uvtrain command line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/densemark/uvtrain/version"
)

// NewCLI builds the uvtrain command tree.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "uvtrain",
		Short: "Landmark and segmentation training for radiographs",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	cobra.EnableCommandSorting = false

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model",
	}
	trainCmd.AddCommand(
		NewTrainUVCmd(),
		NewTrainHeatmapCmd(),
		NewTrainHeatmapSegCmd(),
	)

	rootCmd.AddCommand(
		trainCmd,
		NewEvalCmd(),
		NewSynthCmd(),
		NewVersionCmd(),
	)

	return rootCmd
}

// NewVersionCmd reports the build version.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	}
}
