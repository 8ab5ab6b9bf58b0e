package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	emuagent "github.com/httprunner/EmuAgent"
	"github.com/httprunner/EmuAgent/internal/api"
	"github.com/httprunner/EmuAgent/internal/config"
	"github.com/httprunner/EmuAgent/internal/device"
	"github.com/httprunner/EmuAgent/internal/feishu"
	"github.com/httprunner/EmuAgent/internal/influx"
	"github.com/httprunner/EmuAgent/internal/match"
	"github.com/httprunner/EmuAgent/internal/metrics"
	"github.com/httprunner/EmuAgent/internal/mqtt"
	"github.com/httprunner/EmuAgent/internal/observability"
	"github.com/httprunner/EmuAgent/internal/routine"
	"github.com/httprunner/EmuAgent/internal/storage"
)

const sinkCloseTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	var (
		flagHTTPAddr       string
		flagBundles        string
		flagRoutinesDir    string
		flagRepairInterval time.Duration
		flagNoDB           bool
		flagPaused         bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator with its HTTP control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent := config.LoadAgent()
			agent.HTTPAddr = firstNonEmpty(flagHTTPAddr, agent.HTTPAddr)
			agent.BundlesPath = firstNonEmpty(flagBundles, agent.BundlesPath)
			agent.RoutinesDir = firstNonEmpty(flagRoutinesDir, agent.RoutinesDir)
			if cmd.Flags().Changed("repair-interval") {
				agent.RepairInterval = flagRepairInterval
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, agent, runOptions{noDB: flagNoDB, paused: flagPaused})
		},
	}

	cmd.Flags().StringVar(&flagHTTPAddr, "http-addr", "", "HTTP listen address overriding $EMUAGENT_HTTP_ADDR")
	cmd.Flags().StringVar(&flagBundles, "bundles", "", "Parameter bundles file overriding $EMUAGENT_BUNDLES")
	cmd.Flags().StringVar(&flagRoutinesDir, "routines-dir", "", "Routine table directory overriding $EMUAGENT_ROUTINES_DIR")
	cmd.Flags().DurationVar(&flagRepairInterval, "repair-interval", 0, "Run a connectivity repair round at this interval (0 disables)")
	cmd.Flags().BoolVar(&flagNoDB, "no-db", false, "Disable the local SQLite run history")
	cmd.Flags().BoolVar(&flagPaused, "paused", false, "Start with the global pause switch set")
	return cmd
}

type runOptions struct {
	noDB   bool
	paused bool
}

func runAgent(ctx context.Context, agent config.Agent, opts runOptions) error {
	hostUUID := emuagent.HostUUID()
	shutdownTracing, err := observability.Setup(ctx, observability.ConfigFromEnv(emuagent.Version, hostUUID))
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), sinkCloseTimeout)
			defer cancel()
			_ = shutdownTracing(sctx)
		}()
	}

	provider, err := newProvider(agent)
	if err != nil {
		return err
	}
	bundles, err := config.LoadBundles(agent.BundlesPath)
	if err != nil {
		return err
	}
	lib, err := loadLibrary(agent.RoutinesDir)
	if err != nil {
		return err
	}
	extra := make([]routine.Routine, 0, len(lib))
	for _, name := range routine.Names(lib) {
		extra = append(extra, lib[name])
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	sinks := emuagent.NewMultiRecorder()
	var closers []func() error

	var store *storage.RunStore
	if !opts.noDB {
		if store, err = storage.Open(agent.DBPath); err != nil {
			return err
		}
		sinks.Add("sqlite", store)
		closers = append(closers, store.Close)
	}

	if fs, err := feishu.NewRecorderFromEnv(); err != nil {
		return err
	} else if fs != nil {
		sinks.Add("feishu", fs)
	}

	if icfg := influx.ConfigFromEnv(); icfg.Enabled() {
		ir, err := influx.Connect(ctx, icfg)
		if err != nil {
			log.Warn().Err(err).Str("url", icfg.URL).Msg("influxdb sink disabled")
		} else {
			sinks.Add("influxdb", ir)
			closers = append(closers, ir.Close)
		}
	}

	cfg := emuagent.Config{
		Device:           provider,
		Recorder:         sinks,
		Metrics:          m,
		Bundles:          bundles,
		Routines:         extra,
		Groups:           bundles.Groups(),
		Allowlist:        device.ParseAllowlist(agent.DeviceAllowlist),
		PollInterval:     agent.PollInterval,
		PopTimeout:       agent.PopTimeout,
		RefreshInterval:  agent.RefreshInterval,
		OfflineThreshold: agent.OfflineThreshold,
		RepairInterval:   agent.RepairInterval,
		Repair:           routine.RepairConfig{Addrs: agent.DeviceAddrs},
		HostUUID:         hostUUID,
		FetchMeta: func(ctx context.Context, serial string) device.Meta {
			osVersion, isRoot := provider.Props(ctx, serial)
			return device.Meta{OSVersion: osVersion, IsRoot: isRoot, ProviderUUID: hostUUID}
		},
	}
	if agent.MatcherURL != "" {
		matcher, err := match.NewHTTPMatcher(agent.MatcherURL, nil)
		if err != nil {
			return err
		}
		cfg.Matcher = matcher
	} else {
		log.Warn().Msg("no matcher configured, template steps will miss")
	}

	orch, err := emuagent.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := orch.Close(); err != nil {
			log.Warn().Err(err).Msg("orchestrator close")
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn().Err(err).Msg("sink close")
			}
		}
	}()
	orch.SetPause(opts.paused)

	// the bridge needs the orchestrator as its controller, so it joins the
	// fan-out before anything is recorded
	if mcfg := mqtt.ConfigFromEnv(hostUUID); mcfg.Enabled() {
		bridge, err := mqtt.Connect(mcfg, orch)
		if err != nil {
			log.Warn().Err(err).Str("broker", mcfg.Broker).Msg("mqtt bridge disabled")
		} else {
			sinks.Add("mqtt", bridge)
			closers = append(closers, bridge.Close)
		}
	}

	deps := api.Deps{
		Addr:       agent.HTTPAddr,
		Controller: orch,
		Devices:    orch.Devices(),
		Metrics:    m.Handler(),
		Version:    emuagent.Version,
		HostUUID:   hostUUID,
		NotFound:   []error{emuagent.ErrUnknownRoutine},
		BadRequest: []error{emuagent.ErrReservedScope},
	}
	if store != nil {
		deps.Runs = store
	}
	server, err := api.New(deps)
	if err != nil {
		return err
	}

	log.Info().
		Str("version", emuagent.Version).
		Str("host_uuid", hostUUID).
		Str("http_addr", agent.HTTPAddr).
		Int("sinks", sinks.Len()).
		Int("routines", len(lib)).
		Strs("device_addrs", agent.DeviceAddrs).
		Msg("starting emuagent")

	group, gctx := emuagent.NewSafeGroup(ctx)
	group.Go("orchestrator", orch.Start)
	group.Go("api", server.Start)
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Err(gctx.Err()).Msg("emuagent stopping")
	return nil
}
