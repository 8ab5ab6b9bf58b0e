package emuagent

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// HostUUID returns a stable identifier for this host. The hardware or
// machine id is hashed into a UUID; when none is readable the hostname is
// used, and a random UUID as the last resort.
func HostUUID() string {
	if raw, err := hostHardwareID(); err == nil && raw != "" {
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(raw)).String()
	}
	if name, err := os.Hostname(); err == nil && strings.TrimSpace(name) != "" {
		return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(strings.TrimSpace(name))).String()
	}
	return uuid.NewString()
}

// hostHardwareID uses system_profiler on macOS and prefers /etc/machine-id
// then /sys/class/dmi/id/product_uuid on Linux.
func hostHardwareID() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		cmd := exec.CommandContext(context.Background(), "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		out, err := cmd.Output()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	case "linux":
		if id, err := readSystemFile("/etc/machine-id"); err == nil && id != "" {
			return id, nil
		}
		if id, err := readSystemFile("/sys/class/dmi/id/product_uuid"); err == nil && id != "" {
			return id, nil
		}
		return "", nil
	default:
		return "", nil
	}
}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
