package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/simforge/simforge/internal/declare"
	"github.com/simforge/simforge/internal/execx"
	"github.com/simforge/simforge/internal/logging"
	"github.com/simforge/simforge/internal/reconcile"
)

func newUpCommand(root *rootOptions) *cobra.Command {
	var jobs int
	var linkArtifacts bool

	cmd := &cobra.Command{
		Use:   "up [declaration]",
		Short: "Reconcile the filesystem with the declaration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				root.file = args[0]
			}
			return runUp(cmd, root, jobs, linkArtifacts)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&jobs, "jobs", 0, "max concurrent run materializations (overrides the declaration)")
	flags.BoolVar(&linkArtifacts, "link-artifact", false, "hard-link artifacts into run directories instead of copying")
	return cmd
}

func runUp(cmd *cobra.Command, root *rootOptions, jobs int, linkArtifacts bool) error {
	log, closeLog, err := logging.New("simforge", root.logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	decl, err := declare.Load(root.file)
	if err != nil {
		return &exitCodeError{code: reconcile.ExitCode(reconcile.Result{}, err), err: err}
	}
	if jobs > 0 {
		decl.Settings.Jobs = jobs
	}
	if linkArtifacts {
		decl.Settings.ArtifactMode = "link"
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := reconcile.New(execx.Local{}, log).Up(ctx, decl)
	printResult(cmd.OutOrStdout(), res)
	if code := reconcile.ExitCode(res, err); code != 0 {
		return &exitCodeError{code: code, err: err}
	}
	return nil
}

func printResult(w io.Writer, res reconcile.Result) {
	if res.Revision != "" {
		fmt.Fprintf(w, "revision %s\n", res.Revision)
	}
	for _, s := range res.Steps {
		if s.Detail != "" {
			fmt.Fprintf(w, "  %-8s %-10s %s\n", s.Step, s.Outcome, s.Detail)
		} else {
			fmt.Fprintf(w, "  %-8s %s\n", s.Step, s.Outcome)
		}
	}
	for _, r := range res.Runs {
		note := ""
		switch {
		case r.Err != nil:
			note = r.Err.Error()
		case r.SubmitErr != nil:
			note = r.SubmitErr.Error()
		case r.Submitted:
			note = "submitted"
		case r.OutputDetected:
			note = "has simulation output"
		}
		if note != "" {
			fmt.Fprintf(w, "  run %-16s %-10s %s\n", r.Name, r.Status, note)
		} else {
			fmt.Fprintf(w, "  run %-16s %s\n", r.Name, r.Status)
		}
	}
}
