package main

import (
	"os"

	"corral/internal/output"
	"corral/pkg/protocol"

	"github.com/spf13/cobra"
)

func newCreateCmd(a *app) *cobra.Command {
	var (
		rdpPassword string
		wineDebug   string
		cpuLimit    float64
	)

	cmd := &cobra.Command{
		Use:   "create <payload-path>",
		Short: "Create a new instance from a payload file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err != nil {
				return a.fail("Payload file not found: %s", path)
			}

			var cfg protocol.InstanceConfig
			set := false
			if !cmd.Flags().Changed("rdp-password") && a.cfg.Create.RDPPassword != "" {
				rdpPassword = a.cfg.Create.RDPPassword
			}
			if rdpPassword != "" {
				cfg.RDPPassword = &rdpPassword
				set = true
			}
			if wineDebug != "" {
				cfg.WineDebugLevel = &wineDebug
				set = true
			}
			if cmd.Flags().Changed("cpulimit") {
				if cpuLimit <= 0 {
					return a.fail("--cpulimit must be positive")
				}
				cfg.CPULimit = &cpuLimit
				set = true
			}
			var cfgPtr *protocol.InstanceConfig
			if set {
				cfgPtr = &cfg
			}

			resp, err := a.client.CreateInstance(cmd.Context(), path, cfgPtr)
			if err != nil {
				return a.fail("Failed to create instance: %v", err)
			}
			return a.printer.CreateResult(resp)
		},
	}

	cmd.Flags().StringVar(&rdpPassword, "rdp-password", "", "RDP password for the instance")
	cmd.Flags().StringVar(&wineDebug, "wine-debug", "", "WINEDEBUG value for the instance")
	cmd.Flags().Float64Var(&cpuLimit, "cpulimit", 0, "CPU limit in cores (default set by the server)")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all instances",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			instances, err := a.client.ListInstances(cmd.Context())
			if err != nil {
				return a.fail("Failed to list instances: %v", err)
			}
			return a.printer.InstanceList(instances)
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show instance details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			inst, err := a.client.GetInstance(cmd.Context(), id)
			if err != nil {
				return a.fail("Failed to get instance: %v", err)
			}
			return a.printer.Instance(inst)
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete an instance",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !confirm && !output.Confirm(a.in, a.out, "delete instance", "ID: "+id) {
				a.printer.Info("Delete cancelled")
				return nil
			}
			if err := a.client.DeleteInstance(cmd.Context(), id); err != nil {
				return a.fail("Failed to delete instance: %v", err)
			}
			return a.printer.Deleted(id)
		},
	}

	cmd.Flags().BoolVarP(&confirm, "confirm", "y", false, "Skip the confirmation prompt")
	return cmd
}

func newLogsCmd(a *app) *cobra.Command {
	var (
		tail   int
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show instance logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if follow {
				a.printer.Warning("Log streaming not yet implemented; showing recent logs")
			}
			id, err := a.resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			logs, err := a.client.Logs(cmd.Context(), id, tail)
			if err != nil {
				return a.fail("Failed to get logs: %v", err)
			}
			return a.printer.Logs(logs)
		},
	}

	cmd.Flags().IntVarP(&tail, "tail", "n", 100, "Number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output (not yet implemented)")
	return cmd
}

func newActionCmd(a *app, action, short, past string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var resp *protocol.StatusResponse
			switch action {
			case "start":
				resp, err = a.client.Start(cmd.Context(), id)
			case "stop":
				resp, err = a.client.Stop(cmd.Context(), id)
			default:
				resp, err = a.client.Restart(cmd.Context(), id)
			}
			if err != nil {
				return a.fail("Failed to %s instance: %v", action, err)
			}
			return a.printer.StatusChange(past, resp)
		},
	}
}

func newEventsCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := a.client.Events(cmd.Context(), limit)
			if err != nil {
				return a.fail("Failed to get events: %v", err)
			}
			return a.printer.Events(events)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of events")
	return cmd
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the API server is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			healthy, err := a.client.Health(cmd.Context())
			if err != nil {
				healthy = false
			}
			if err := a.printer.Health(healthy); err != nil {
				return err
			}
			if !healthy {
				return errReported
			}
			return nil
		},
	}
}
