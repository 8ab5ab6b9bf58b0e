package routine

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/EmuAgent/internal/control"
	"github.com/httprunner/EmuAgent/internal/wait"
)

// RepairConfig drives the connectivity repair routine.
type RepairConfig struct {
	// Addrs are the host:port addresses that should stay attached.
	Addrs          []string
	Attempts       int
	RetryDelay     time.Duration
	MaxRetryDelay  time.Duration
	SettleInterval time.Duration
	SettleCeiling  time.Duration
}

func (c RepairConfig) withDefaults() RepairConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 10 * time.Second
	}
	if c.SettleInterval <= 0 {
		c.SettleInterval = 2 * time.Second
	}
	if c.SettleCeiling <= 0 {
		c.SettleCeiling = 30 * time.Second
	}
	return c
}

// RepairReport lists what one repair round did.
type RepairReport struct {
	Healthy     []string
	Reconnected []string
	Failed      []string
}

// Repair reattaches every configured address that is missing or not online.
// It returns Completed when all addresses end up online, Stopped when
// cancelled and TransportFailed otherwise.
func Repair(ctx context.Context, dev control.Device, waiter *wait.Waiter, cfg RepairConfig) (RepairReport, Result) {
	started := time.Now()
	cfg = cfg.withDefaults()
	report := RepairReport{}
	result := func(outcome Outcome, step string, err error) Result {
		return Result{Routine: NameRepair, Outcome: outcome, Step: step, Err: err, Elapsed: time.Since(started)}
	}
	if dev == nil || waiter == nil {
		return report, result(TransportFailed, "init", errors.New("repair needs a device port and waiter"))
	}

	online, err := onlineSet(ctx, dev)
	if err != nil {
		return report, result(TransportFailed, "enumerate", err)
	}

	for _, raw := range cfg.Addrs {
		addr := strings.TrimSpace(raw)
		if addr == "" {
			continue
		}
		if ctx.Err() != nil {
			return report, result(Stopped, addr, nil)
		}
		if online[addr] {
			report.Healthy = append(report.Healthy, addr)
			continue
		}
		log.Info().Str("serial", addr).Msg("reattaching emulator")
		// stale offline entries block a fresh connect
		if err := dev.Disconnect(ctx, addr); err != nil {
			log.Debug().Err(err).Str("serial", addr).Msg("disconnect before reconnect failed")
		}

		err := waiter.Retry(ctx, wait.Backoff(cfg.Attempts, cfg.RetryDelay, cfg.MaxRetryDelay), func(attempt int) error {
			if err := dev.Connect(ctx, addr); err != nil {
				log.Warn().Err(err).Str("serial", addr).Int("attempt", attempt).Msg("adb connect failed")
				return err
			}
			return nil
		})
		if errors.Is(err, wait.ErrCancelled) {
			return report, result(Stopped, addr, nil)
		}
		if err != nil {
			report.Failed = append(report.Failed, addr)
			continue
		}

		settled := waiter.Until(ctx, func() bool {
			set, err := onlineSet(ctx, dev)
			return err == nil && set[addr]
		}, cfg.SettleInterval, cfg.SettleCeiling)
		switch settled {
		case wait.Met:
			report.Reconnected = append(report.Reconnected, addr)
		case wait.Cancelled:
			return report, result(Stopped, addr, nil)
		case wait.TimedOut:
			log.Warn().Str("serial", addr).Dur("ceiling", cfg.SettleCeiling).Msg("emulator did not come online after connect")
			report.Failed = append(report.Failed, addr)
		}
	}

	log.Info().Int("healthy", len(report.Healthy)).Int("reconnected", len(report.Reconnected)).
		Int("failed", len(report.Failed)).Msg("connectivity repair finished")
	if len(report.Failed) > 0 {
		return report, result(TransportFailed, "reconnect",
			errors.Errorf("unable to reattach %s", strings.Join(report.Failed, ",")))
	}
	return report, result(Completed, "reconnect", nil)
}

func onlineSet(ctx context.Context, dev control.Device) (map[string]bool, error) {
	serials, err := dev.Enumerate(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "enumerate devices")
	}
	set := make(map[string]bool, len(serials))
	for _, s := range serials {
		set[strings.TrimSpace(s)] = true
	}
	return set, nil
}
