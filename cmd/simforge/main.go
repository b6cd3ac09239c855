// Command simforge reconciles a declared simulation setup — source revision,
// patches, compiled artifacts and run directories — with the filesystem.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	file    string
	logFile string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			if ec.err != nil {
				fmt.Fprintf(os.Stderr, "simforge: %v\n", ec.err)
			}
			os.Exit(ec.code)
		}
		fmt.Fprintf(os.Stderr, "simforge: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts rootOptions
	cmd := &cobra.Command{
		Use:           "simforge",
		Short:         "Declarative builds and run directories for simulation codes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.file, "file", "f", "simforge.toml", "declaration file (.toml, .yaml or .yml)")
	flags.StringVar(&opts.logFile, "log-file", "", "also write logs to this file")

	cmd.AddCommand(
		newUpCommand(&opts),
		newPlanCommand(&opts),
		newTemplateCommand(),
	)
	return cmd
}

// exitCodeError carries a process exit code through cobra's error return.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }
