package routine

import (
	"sort"
	"time"

	"github.com/httprunner/EmuAgent/internal/control"
)

// Names of the built-in routines.
const (
	NameReturnHome   = "return-home"
	NameDailyCheckin = "daily-checkin"
	NameSweep        = "sweep"
	NameHeal         = "heal"
	// NameRepair is the connectivity repair routine run by the repair controller.
	NameRepair       = "repair-connectivity"
)

// Builtins returns the built-in step tables keyed by name.
func Builtins() map[string]Routine {
	list := []Routine{returnHome(), dailyCheckin(), sweep(), heal()}
	out := make(map[string]Routine, len(list))
	for _, r := range list {
		out[r.Name] = r
	}
	return out
}

// Library merges the built-ins with extra routines; extras win on name clash.
func Library(extra ...Routine) map[string]Routine {
	lib := Builtins()
	for _, r := range extra {
		lib[r.Name] = r
	}
	return lib
}

// Names lists routine names in a stable order.
func Names(lib map[string]Routine) []string {
	names := make([]string, 0, len(lib))
	for name := range lib {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// returnHome brings the app back to its neutral screen.
func returnHome() Routine {
	return Routine{
		Name:        NameReturnHome,
		Description: "press back until the lobby marker shows, then home as a last resort",
		Steps: []Step{
			{
				Name:       "back-to-lobby",
				Act:        Action{Kind: ActKey, Key: control.KeyBack},
				After:      800 * time.Millisecond,
				Attempts:   1,
				RetryDelay: 500 * time.Millisecond,
			},
			{
				Name:       "confirm-lobby",
				Templates:  []Template{{ID: "lobby_marker", Threshold: 0.80}},
				Attempts:   4,
				RetryDelay: time.Second,
			},
		},
	}
}

func dailyCheckin() Routine {
	return Routine{
		Name:        NameDailyCheckin,
		Description: "open the check-in panel, claim the reward and go back",
		Steps: []Step{
			{
				Name: "open-events",
				Templates: []Template{
					{ID: "events_button", Threshold: 0.85},
					{ID: "events_button_badge", Threshold: 0.75},
				},
				Act:     Action{Kind: ActTapMatch},
				After:   1500 * time.Millisecond,
				Recover: NameReturnHome,
			},
			{
				Name: "wait-checkin-panel",
				Until: &UntilPolicy{
					Templates:    []Template{{ID: "checkin_panel", Threshold: 0.80}},
					Interval:     2 * time.Second,
					Ceiling:      120 * time.Second,
					CeilingParam: "checkin.ceiling",
					OnTimeout:    TimeoutFail,
				},
			},
			{
				Name:      "claim",
				Templates: []Template{{ID: "checkin_claim", Threshold: 0.82}},
				Act:       Action{Kind: ActTapMatch},
				After:     time.Second,
				OnMiss:    MissSkip,
			},
			{
				Name:      "confirm",
				Templates: []Template{{ID: "confirm_button", Threshold: 0.80}},
				Act:       Action{Kind: ActTapMatch},
				OnMiss:    MissSkip,
			},
			{
				Name:  "leave",
				Act:   Action{Kind: ActKey, Key: control.KeyBack},
				After: 800 * time.Millisecond,
			},
		},
	}
}

func sweep() Routine {
	return Routine{
		Name:        NameSweep,
		Description: "collect every visible reward and scroll, repeated per device loop count",
		RepeatParam: "sweep.loops",
		Repeat:      10,
		Steps: []Step{
			{
				Name: "collect",
				Templates: []Template{
					{ID: "collect_button", Threshold: 0.82},
					{ID: "collect_button_dim", Threshold: 0.70},
				},
				Act:        Action{Kind: ActTapMatch},
				AfterParam: "sweep.delay",
				After:      1500 * time.Millisecond,
				OnMiss:     MissSkip,
			},
			{
				Name:  "scroll",
				Act:   Action{Kind: ActSwipe, X: 540, Y: 1500, X2: 540, Y2: 700, Duration: 400 * time.Millisecond},
				After: time.Second,
			},
		},
	}
}

func heal() Routine {
	return Routine{
		Name:        NameHeal,
		Description: "use the heal button and wait until health is full",
		Steps: []Step{
			{
				Name:      "tap-heal",
				Templates: []Template{{ID: "heal_button", Threshold: 0.80}},
				Act:       Action{Kind: ActTapMatch},
				After:     500 * time.Millisecond,
				Attempts:  5,
				Recover:   NameReturnHome,
			},
			{
				Name: "wait-full",
				Until: &UntilPolicy{
					Templates:    []Template{{ID: "hp_full", Threshold: 0.90}},
					Interval:     2 * time.Second,
					Ceiling:      180 * time.Second,
					CeilingParam: "heal.ceiling",
					OnTimeout:    TimeoutFail,
				},
			},
		},
	}
}
