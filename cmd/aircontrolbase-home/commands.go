package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"aircontrolbase-go-home/internal/climate"
	"aircontrolbase-go-home/internal/coordinator"
)

const cliTimeout = 30 * time.Second

var (
	devicesJSON bool

	setMode        string
	setTemperature float64
	setFan         string
	setSwing       string
)

func init() {
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "print the climate state as JSON")

	setCmd.Flags().StringVar(&setMode, "mode", "", "HVAC mode: off, cool, heat, dry, fan_only, auto")
	setCmd.Flags().Float64Var(&setTemperature, "temperature", 0, "target temperature in °C")
	setCmd.Flags().StringVar(&setFan, "fan", "", "fan mode: auto, low, medium, high")
	setCmd.Flags().StringVar(&setSwing, "swing", "", "swing mode: off, vertical, horizontal, both")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(setCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Check the account credentials against the AirControlBase cloud",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup(cmd, os.Stderr)
		if err != nil {
			return err
		}
		client, err := newClient(cfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()

		devs, err := client.TestConnection(ctx)
		if err != nil {
			return fmt.Errorf("login %s: %w", cfg.Account.Email, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (user id %s), %d device(s)\n",
			cfg.Account.Email, client.Session().UserID, len(devs))
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the units of the account with their climate state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withCoordinator(cmd, func(_ context.Context, coord *coordinator.Coordinator) error {
			states := coord.States()
			if devicesJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(states)
			}
			printStates(cmd.OutOrStdout(), states)
			return nil
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set <device>",
	Short: "Send one climate command to a unit (by id or name)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := commandFromFlags(cmd)
		if command.Empty() {
			return fmt.Errorf("nothing to set: use --mode, --temperature, --fan or --swing")
		}
		return withCoordinator(cmd, func(ctx context.Context, coord *coordinator.Coordinator) error {
			dev, err := coord.FindDevice(args[0])
			if err != nil {
				return err
			}
			st, err := coord.Execute(ctx, dev.ID, command)
			if err != nil {
				return err
			}
			printStates(cmd.OutOrStdout(), []climate.State{st})
			return nil
		})
	},
}

// commandFromFlags builds a command from the flags the user actually passed.
func commandFromFlags(cmd *cobra.Command) coordinator.Command {
	var c coordinator.Command
	flags := cmd.Flags()
	if flags.Changed("mode") {
		c.HVACMode = &setMode
	}
	if flags.Changed("temperature") {
		c.Temperature = &setTemperature
	}
	if flags.Changed("fan") {
		c.FanMode = &setFan
	}
	if flags.Changed("swing") {
		c.SwingMode = &setSwing
	}
	return c
}

// withCoordinator starts a short-lived coordinator, runs fn and stops it.
// The store is locked while it runs, so a running bridge makes this wait
// for the lock and fail.
func withCoordinator(cmd *cobra.Command, fn func(context.Context, *coordinator.Coordinator) error) error {
	cfg, logger, err := setup(cmd, os.Stderr)
	if err != nil {
		return err
	}
	coord, closeStore, err := newCoordinator(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		coord.Stop()
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Stop()
	return fn(ctx, coord)
}

func printStates(w io.Writer, states []climate.State) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tMODE\tTARGET\tCURRENT\tFAN\tSWING")
	for _, st := range states {
		current := "-"
		if st.CurrentTemperature != nil {
			current = strconv.FormatFloat(*st.CurrentTemperature, 'f', 1, 64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f\t%s\t%s\t%s\n",
			st.ID, st.Name, st.HVACMode, st.TargetTemperature, current, st.FanMode, st.SwingMode)
	}
	tw.Flush()
}
