package main

import (
	"context"
	"errors"
	"io"

	"corral/internal/client"
	"corral/internal/idresolve"
	"corral/internal/output"

	"github.com/spf13/cobra"
)

// errReported is returned after the failure was already printed.
var errReported = errors.New("reported")

// app carries what every command needs.
type app struct {
	in  io.Reader
	out io.Writer
	err io.Writer

	apiURL string
	format string

	cfg     client.Config
	client  *client.Client
	printer *output.Printer
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{in: in, out: out, err: errOut}

	root := &cobra.Command{
		Use:   "corral",
		Short: "Manage sandboxed Wine instances",
		Long: `corral talks to a corrald server to create, inspect and remove
sandboxed Wine instances. Instance IDs may be shortened to any unique prefix.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVar(&a.apiURL, "api-url", "", "API server URL (default from config file, else http://localhost:3000)")
	root.PersistentFlags().StringVarP(&a.format, "output", "o", "", "Output format: table or json")

	root.AddCommand(
		newCreateCmd(a),
		newListCmd(a),
		newGetCmd(a),
		newDeleteCmd(a),
		newLogsCmd(a),
		newActionCmd(a, "start", "Start a stopped instance", "Started"),
		newActionCmd(a, "stop", "Stop a running instance", "Stopped"),
		newActionCmd(a, "restart", "Restart an instance", "Restarted"),
		newEventsCmd(a),
		newHealthCmd(a),
	)
	return root
}

// setup resolves settings: flag, then config file, then default.
func (a *app) setup(cmd *cobra.Command) error {
	a.cfg = client.LoadDefaultConfig()

	apiURL := a.cfg.API.BaseURL
	if cmd.Flags().Changed("api-url") {
		apiURL = a.apiURL
	}
	formatName := a.cfg.Output.Format
	if cmd.Flags().Changed("output") {
		formatName = a.format
	}

	format, err := output.ParseFormat(formatName)
	if err != nil {
		if cmd.Flags().Changed("output") {
			return err
		}
		format = output.Table
	}

	a.client = client.New(apiURL)
	a.printer = output.New(a.out, a.err, format)
	return nil
}

// resolve expands an ID prefix, printing resolution failures.
func (a *app) resolve(ctx context.Context, input string) (string, error) {
	id, err := idresolve.Resolve(ctx, a.client, input)
	if err != nil {
		if a.printer.ResolutionError(err) {
			return "", errReported
		}
		return "", a.fail("Failed to resolve instance ID: %v", err)
	}
	return id, nil
}

// fail prints a failure and returns errReported.
func (a *app) fail(format string, args ...any) error {
	a.printer.Error(format, args...)
	return errReported
}
