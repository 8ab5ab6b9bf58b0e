package emuagent

import (
	"github.com/httprunner/EmuAgent/internal/config"
	"github.com/httprunner/EmuAgent/internal/event"
)

// Version is reported to recorders as the agent version.
const Version = "v0.3.0"

// Shared environment variable names for the optional sinks.
// Downstream callers should prefer these root-level constants.
const (
	// EnvTaskBitableURL points to the Feishu table receiving task runs.
	EnvTaskBitableURL = config.EnvTaskBitableURL
	// EnvDeviceBitableURL points to the Feishu table receiving device status rows.
	EnvDeviceBitableURL = config.EnvDeviceBitableURL
	EnvDBPath           = config.EnvDBPath
	EnvDeviceAddrs      = config.EnvDeviceAddrs
)

// Task lifecycle statuses, re-exported so callers can depend on the root
// package only.
const (
	StatusStarted   = event.StatusStarted
	StatusCompleted = event.StatusCompleted
	StatusStopped   = event.StatusStopped
	StatusFailed    = event.StatusFailed
	StatusRefused   = event.StatusRefused
)
