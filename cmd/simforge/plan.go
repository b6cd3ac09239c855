package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/simforge/simforge/internal/declare"
	"github.com/simforge/simforge/internal/execx"
	"github.com/simforge/simforge/internal/logging"
	"github.com/simforge/simforge/internal/reconcile"
)

func newPlanCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan [declaration]",
		Short: "Show what up would do, without changing anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				root.file = args[0]
			}
			log, closeLog, err := logging.New("simforge", root.logFile)
			if err != nil {
				return err
			}
			defer closeLog()

			decl, err := declare.Load(root.file)
			if err != nil {
				return &exitCodeError{code: reconcile.ExitCode(reconcile.Result{}, err), err: err}
			}

			actions, err := reconcile.New(execx.Local{}, log).Plan(cmd.Context(), decl)
			if err != nil {
				return &exitCodeError{code: reconcile.ExitCode(reconcile.Result{}, err), err: err}
			}

			changes := 0
			for _, a := range actions {
				marker := " "
				if a.Change {
					marker = "~"
					changes++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-8s %s\n", marker, a.Step, a.Detail)
			}
			if changes == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to do")
			}
			return nil
		},
	}
}
