package adb

import (
	"context"
	"strings"
)

// Props collects OS version and root status via adb where possible.
func (p *Provider) Props(ctx context.Context, serial string) (osVersion string, isRoot string) {
	if output, err := p.RunShell(ctx, serial, "getprop", "ro.build.version.release"); err == nil {
		osVersion = strings.TrimSpace(output)
	}
	if output, err := p.RunShell(ctx, serial, "su", "-c", "id"); err == nil && strings.Contains(output, "uid=0") {
		return osVersion, "true"
	}
	if output, err := p.RunShell(ctx, serial, "which", "su"); err == nil && strings.TrimSpace(output) != "" {
		return osVersion, "true"
	}
	return osVersion, "false"
}
