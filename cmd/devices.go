package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/EmuAgent/internal/config"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List attached devices and their adb state",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := newProvider(config.LoadAgent())
			if err != nil {
				return err
			}
			states, err := provider.ListDevicesWithState(cmd.Context())
			if err != nil {
				return err
			}
			serials := make([]string, 0, len(states))
			for serial := range states {
				serials = append(serials, serial)
			}
			sort.Strings(serials)

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERIAL\tSTATE\tOS\tROOT")
			for _, serial := range serials {
				osVersion, root := "", ""
				if states[serial] == "online" {
					osVersion, root = provider.Props(cmd.Context(), serial)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", serial, states[serial], osVersion, root)
			}
			return tw.Flush()
		},
	}
}

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect [host:port...]",
		Short: "Attach network emulators, defaulting to $EMUAGENT_DEVICE_ADDRS",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent := config.LoadAgent()
			addrs := args
			if len(addrs) == 0 {
				addrs = agent.DeviceAddrs
			}
			if len(addrs) == 0 {
				return fmt.Errorf("no addresses given and $%s is empty", config.EnvDeviceAddrs)
			}
			provider, err := newProvider(agent)
			if err != nil {
				return err
			}
			failed := 0
			for _, addr := range addrs {
				if err := provider.Connect(cmd.Context(), addr); err != nil {
					failed++
					log.Error().Err(err).Str("addr", addr).Msg("connect failed")
					continue
				}
				log.Info().Str("addr", addr).Msg("connected")
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d addresses failed to connect", failed, len(addrs))
			}
			return nil
		},
	}
}
