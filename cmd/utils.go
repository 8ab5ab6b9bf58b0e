package main

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/EmuAgent/internal/config"
	"github.com/httprunner/EmuAgent/internal/providers/adb"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// newProvider builds the adb control port, honouring --adb-timeout.
func newProvider(agent config.Agent) (*adb.Provider, error) {
	timeout := agent.ADBTimeout
	if raw := strings.TrimSpace(rootADBWait); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, errors.Wrap(err, "parse --adb-timeout")
		}
		timeout = parsed
	}
	return adb.NewDefault(timeout)
}
