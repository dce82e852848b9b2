package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zot/jsbridge/internal/bundle"
)

// openBundle is replaced in tests.
var openBundle = bundle.Self

func selfBundle() (*bundle.Bundle, error) {
	b, err := openBundle()
	if errors.Is(err, bundle.ErrNotBundled) {
		return nil, &ExitError{Code: 1, Err: errors.New("this binary carries no bundled scripts")}
	}
	return b, err
}

func newBundleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle <scripts-dir>",
		Short: "Create a binary with a scripts directory appended",
		Long: `Create a copy of a binary with the scripts directory appended as a zip.
Bundled scripts are mounted read-only at filesystem.bundle (default /bundle).`,
		Example: `  jsbridge bundle scripts -o myapp`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			src, _ := cmd.Flags().GetString("src")
			if src == "" {
				exe, err := os.Executable()
				if err != nil {
					return fmt.Errorf("failed to get executable path: %w", err)
				}
				src = exe
			}
			if err := bundle.CreateBundle(src, args[0], output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "jsbridge-bundled", "Output binary")
	cmd.Flags().String("src", "", "Source binary (default: this executable)")
	return cmd
}

func newLsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List the bundled scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := selfBundle()
			if err != nil {
				return err
			}
			for _, name := range b.Files() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newCatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <file>...",
		Short: "Print bundled files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := selfBundle()
			if err != nil {
				return err
			}
			for _, name := range args {
				data, err := b.ReadFile(name)
				if err != nil {
					return err
				}
				cmd.OutOrStdout().Write(data)
			}
			return nil
		},
	}
}

func newExtractCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "extract [dir]",
		Short: "Extract the bundled scripts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := selfBundle()
			if err != nil {
				return err
			}
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if err := b.Extract(dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Extracted %d files to %s\n", len(b.Files()), dir)
			return nil
		},
	}
}
