package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/simforge/simforge/internal/declare"
)

func newTemplateCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "template [path]",
		Short: "Print a starter declaration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				output = args[0]
			}
			if output == "" {
				_, err := cmd.OutOrStdout().Write(declare.Starter())
				return err
			}
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists, not overwriting", output)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(output, declare.Starter(), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the declaration to a file instead of stdout")
	return cmd
}
