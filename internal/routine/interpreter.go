package routine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/httprunner/EmuAgent/internal/control"
	"github.com/httprunner/EmuAgent/internal/observability"
	"github.com/httprunner/EmuAgent/internal/wait"
)

const tracerName = "github.com/httprunner/EmuAgent/internal/routine"

// Env carries everything a routine needs for one device.
type Env struct {
	Serial  string
	Device  control.Device
	Matcher control.Matcher
	Waiter  *wait.Waiter
	Params  Params
	// Library resolves recovery sub-routines by name.
	Library map[string]Routine
}

func (e *Env) validate() error {
	if e == nil {
		return errors.New("routine env is nil")
	}
	if e.Device == nil {
		return errors.New("routine env missing device")
	}
	if e.Waiter == nil {
		return errors.New("routine env missing waiter")
	}
	return nil
}

// Run interprets r against env until completion, cancellation or failure.
func Run(ctx context.Context, env *Env, r Routine) Result {
	return run(ctx, env, r, 0)
}

func run(ctx context.Context, env *Env, r Routine, depth int) Result {
	started := time.Now()
	ctx, span := observability.Tracer(tracerName).Start(ctx, "routine."+r.Name)
	defer span.End()

	finish := func(res Result) Result {
		res.Routine = r.Name
		res.Elapsed = time.Since(started)
		span.SetAttributes(
			attribute.String("outcome", res.Outcome.String()),
			attribute.String("step", res.Step),
		)
		if res.Outcome.Failed() {
			span.SetStatus(codes.Error, res.Outcome.String())
		}
		return res
	}

	if err := env.validate(); err != nil {
		return finish(Result{Outcome: TransportFailed, Err: err})
	}
	span.SetAttributes(attribute.String("serial", env.Serial))
	if len(r.Steps) == 0 {
		return finish(Result{Outcome: Completed})
	}

	loops := r.Repeat
	if r.RepeatParam != "" {
		loops = env.Params.Int(r.RepeatParam, loops)
	}
	if loops <= 0 {
		loops = 1
	}

	var last Result
	for loop := 0; loop < loops; loop++ {
		for _, step := range r.Steps {
			res := runStep(ctx, env, r.Name, step, depth)
			last = res
			if res.Outcome != Completed {
				if res.Outcome.Failed() {
					log.Warn().Str("serial", env.Serial).Str("routine", r.Name).
						Str("step", res.Step).Str("outcome", res.Outcome.String()).
						Int("loop", loop+1).Err(res.Err).Msg("routine failed")
				}
				return finish(res)
			}
		}
	}
	// a completed routine reports its final step, attempts included
	return finish(Result{Outcome: Completed, Step: last.Step, Attempts: last.Attempts})
}

func runStep(ctx context.Context, env *Env, routineName string, step Step, depth int) Result {
	ctx, span := observability.Tracer(tracerName).Start(ctx, "step."+step.Name)
	defer span.End()

	attempts := step.attempts()
	recovered := false
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return Result{Outcome: Stopped, Step: step.Name, Attempts: attempt - 1}
		}

		hit, res := locateStep(ctx, env, step)
		if res != nil {
			res.Attempts = attempt
			return *res
		}

		if hit.Found || len(step.Templates) == 0 {
			return completeStep(ctx, env, step, hit, attempt)
		}

		switch step.missPolicy() {
		case MissSkip:
			log.Debug().Str("serial", env.Serial).Str("routine", routineName).
				Str("step", step.Name).Msg("optional step not matched, skipped")
			return Result{Outcome: Completed, Step: step.Name, Attempts: attempt}
		case MissFail:
			return Result{Outcome: MatchMissed, Step: step.Name, Attempts: attempt}
		}

		if attempt >= attempts {
			if step.Recover == "" || recovered || depth >= maxRecoveryDepth {
				return Result{Outcome: MatchMissed, Step: step.Name, Attempts: attempt}
			}
			recovered = true
			rec := recoverStep(ctx, env, step, depth)
			if rec.Outcome == Stopped {
				return Result{Outcome: Stopped, Step: step.Name, Attempts: attempt}
			}
			if rec.Outcome != Completed {
				log.Warn().Str("serial", env.Serial).Str("routine", routineName).
					Str("step", step.Name).Str("recovery", step.Recover).
					Str("outcome", rec.Outcome.String()).Msg("recovery sub-routine exhausted")
				return Result{Outcome: rec.Outcome, Step: step.Name, Attempts: attempt, Err: rec.Err}
			}
			attempts = attempt + step.attempts()
			continue
		}

		if env.Waiter.Sleep(ctx, step.retryDelay()) == wait.Cancelled {
			return Result{Outcome: Stopped, Step: step.Name, Attempts: attempt}
		}
	}
}

func recoverStep(ctx context.Context, env *Env, step Step, depth int) Result {
	sub, ok := env.Library[step.Recover]
	if !ok {
		return Result{Outcome: MatchMissed, Step: step.Name,
			Err: errors.Errorf("recovery routine %q not found", step.Recover)}
	}
	log.Info().Str("serial", env.Serial).Str("step", step.Name).
		Str("recovery", step.Recover).Msg("escalating to recovery sub-routine")
	return run(ctx, env, sub, depth+1)
}

// locateStep captures a frame and tries the primary then every fallback
// template. A non-nil result ends the step.
func locateStep(ctx context.Context, env *Env, step Step) (control.Match, *Result) {
	if len(step.Templates) == 0 {
		return control.Match{}, nil
	}
	frame, res := capture(ctx, env, step)
	if res != nil {
		return control.Match{}, res
	}
	hit, err := matchAny(ctx, env, frame, step.Templates)
	if err != nil {
		// matcher errors are treated as a miss for this attempt
		log.Warn().Err(err).Str("serial", env.Serial).Str("step", step.Name).Msg("template match failed")
		return control.Match{}, nil
	}
	return hit, nil
}

func capture(ctx context.Context, env *Env, step Step) ([]byte, *Result) {
	var frame []byte
	err := env.Waiter.Retry(ctx, wait.Fixed(step.captureAttempts(), step.captureDelay()), func(attempt int) error {
		data, err := env.Device.Capture(ctx, env.Serial)
		if err != nil {
			log.Debug().Err(err).Str("serial", env.Serial).Str("step", step.Name).
				Int("attempt", attempt).Msg("capture failed")
			return err
		}
		frame = data
		return nil
	})
	switch {
	case err == nil:
		return frame, nil
	case errors.Is(err, wait.ErrCancelled):
		return nil, &Result{Outcome: Stopped, Step: step.Name}
	default:
		return nil, &Result{Outcome: TransportFailed, Step: step.Name, Err: errors.Wrap(err, "capture")}
	}
}

func matchAny(ctx context.Context, env *Env, frame []byte, templates []Template) (control.Match, error) {
	if env.Matcher == nil {
		return control.Match{}, errors.New("routine env missing matcher")
	}
	var lastErr error
	for _, tpl := range templates {
		threshold := env.Params.Float(thresholdKey(tpl.ID), tpl.Threshold)
		var (
			hit control.Match
			err error
		)
		if tpl.Region != nil && !tpl.Region.Empty() {
			hit, err = env.Matcher.LocateInRegion(ctx, frame, tpl.ID, *tpl.Region, threshold)
		} else {
			hit, err = env.Matcher.Locate(ctx, frame, tpl.ID, threshold)
		}
		if err != nil {
			lastErr = err
			continue
		}
		if hit.Found && control.Accepts(hit.Score, threshold) {
			return hit, nil
		}
	}
	return control.Match{}, lastErr
}

func completeStep(ctx context.Context, env *Env, step Step, hit control.Match, attempt int) Result {
	if step.Act.Kind != ActNone {
		err := env.Waiter.Retry(ctx, wait.Fixed(step.captureAttempts(), step.captureDelay()), func(int) error {
			return act(ctx, env, step.Act, hit)
		})
		switch {
		case errors.Is(err, wait.ErrCancelled):
			return Result{Outcome: Stopped, Step: step.Name, Attempts: attempt}
		case err != nil:
			return Result{Outcome: TransportFailed, Step: step.Name, Attempts: attempt,
				Err: errors.Wrapf(err, "act %s", step.Act.Kind)}
		}
	}

	after := step.After
	if step.AfterParam != "" {
		after = env.Params.Duration(step.AfterParam, after)
	}
	if after > 0 && env.Waiter.Sleep(ctx, after) == wait.Cancelled {
		return Result{Outcome: Stopped, Step: step.Name, Attempts: attempt}
	}

	if step.Until == nil {
		return Result{Outcome: Completed, Step: step.Name, Attempts: attempt}
	}
	return untilStep(ctx, env, step, attempt)
}

func untilStep(ctx context.Context, env *Env, step Step, attempt int) Result {
	policy := step.Until
	interval := policy.Interval
	if interval <= 0 {
		interval = defaultUntilInterval
	}
	ceiling := policy.Ceiling
	if policy.CeilingParam != "" {
		ceiling = env.Params.Duration(policy.CeilingParam, ceiling)
	}
	if ceiling <= 0 {
		ceiling = defaultUntilCeiling
	}

	cond := func() bool {
		frame, err := env.Device.Capture(ctx, env.Serial)
		if err != nil {
			log.Debug().Err(err).Str("serial", env.Serial).Str("step", step.Name).Msg("poll capture failed")
			return false
		}
		hit, err := matchAny(ctx, env, frame, policy.Templates)
		if err != nil {
			return false
		}
		return hit.Found != policy.Absent
	}

	switch env.Waiter.Until(ctx, cond, interval, ceiling) {
	case wait.Met:
		return Result{Outcome: Completed, Step: step.Name, Attempts: attempt}
	case wait.Cancelled:
		return Result{Outcome: Stopped, Step: step.Name, Attempts: attempt}
	case wait.TimedOut:
		if policy.OnTimeout == TimeoutContinue {
			log.Info().Str("serial", env.Serial).Str("step", step.Name).
				Dur("ceiling", ceiling).Msg("wait ceiling reached, continuing")
			return Result{Outcome: Completed, Step: step.Name, Attempts: attempt}
		}
		return Result{Outcome: TimedOut, Step: step.Name, Attempts: attempt,
			Err: errors.Errorf("condition not met within %s", ceiling)}
	default:
		return Result{Outcome: TimedOut, Step: step.Name, Attempts: attempt}
	}
}

func act(ctx context.Context, env *Env, a Action, hit control.Match) error {
	switch a.Kind {
	case ActTapMatch:
		return env.Device.Tap(ctx, env.Serial, hit.X+a.OffsetX, hit.Y+a.OffsetY)
	case ActTap:
		return env.Device.Tap(ctx, env.Serial, a.X, a.Y)
	case ActSwipe:
		return env.Device.Swipe(ctx, env.Serial, a.X, a.Y, a.X2, a.Y2, a.Duration)
	case ActText:
		return env.Device.SendText(ctx, env.Serial, a.Text)
	case ActKey:
		return env.Device.SendKey(ctx, env.Serial, a.Key)
	case ActNone:
		return nil
	default:
		return errors.Errorf("unknown action kind %q", a.Kind)
	}
}
