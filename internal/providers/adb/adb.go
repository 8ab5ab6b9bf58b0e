package adb

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"

	"github.com/httprunner/EmuAgent/internal/control"
)

// DefaultCallTimeout bounds every adb round trip.
const DefaultCallTimeout = 15 * time.Second

var _ control.Device = (*Provider)(nil)

// Provider implements control.Device using gadb.
type Provider struct {
	client  gadb.Client
	timeout time.Duration
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Provider{client: client, timeout: timeout}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault(timeout time.Duration) (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client, timeout), nil
}

// Enumerate returns serials currently in the online state.
func (p *Provider) Enumerate(ctx context.Context) ([]string, error) {
	states, err := p.ListDevicesWithState(ctx)
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(states))
	for serial, state := range states {
		if state == string(gadb.StateOnline) {
			serials = append(serials, serial)
		}
	}
	return serials, nil
}

// ListDevicesWithState returns device serials with their raw gadb state names.
func (p *Provider) ListDevicesWithState(ctx context.Context) (map[string]string, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	return boundedValue(ctx, p.timeout, "devices", func() (map[string]string, error) {
		devs, err := p.client.DeviceList()
		if err != nil {
			return nil, errors.Wrap(err, "list adb devices")
		}
		stateBySerial := make(map[string]string, len(devs))
		for _, dev := range devs {
			if dev == nil {
				continue
			}
			serial := strings.TrimSpace(dev.Serial())
			if serial == "" {
				continue
			}
			state, err := dev.State()
			if err != nil {
				stateBySerial[serial] = string(gadb.StateUnknown)
				continue
			}
			stateBySerial[serial] = string(state)
		}
		return stateBySerial, nil
	})
}

// Capture grabs a PNG screenshot. The frame travels base64-encoded through
// the shell stream, which is text oriented.
func (p *Provider) Capture(ctx context.Context, serial string) ([]byte, error) {
	out, err := p.RunShell(ctx, serial, "screencap", "-p", "|", "base64")
	if err != nil {
		return nil, errors.Wrap(err, "screencap")
	}
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, out)
	if cleaned == "" {
		return nil, errors.Errorf("screencap on %s returned empty frame", serial)
	}
	frame, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, errors.Wrap(err, "decode screencap frame")
	}
	return frame, nil
}

// Tap sends a single touch at (x, y).
func (p *Provider) Tap(ctx context.Context, serial string, x, y int) error {
	_, err := p.RunShell(ctx, serial, "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return errors.Wrapf(err, "tap %d,%d", x, y)
}

// Swipe drags from (x1, y1) to (x2, y2) over d.
func (p *Provider) Swipe(ctx context.Context, serial string, x1, y1, x2, y2 int, d time.Duration) error {
	if d <= 0 {
		d = 300 * time.Millisecond
	}
	_, err := p.RunShell(ctx, serial, "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.FormatInt(d.Milliseconds(), 10))
	return errors.Wrap(err, "swipe")
}

// SendText types text into the focused field.
func (p *Provider) SendText(ctx context.Context, serial, text string) error {
	_, err := p.RunShell(ctx, serial, "input", "text", escapeInputText(text))
	return errors.Wrap(err, "send text")
}

// SendKey sends one key event.
func (p *Provider) SendKey(ctx context.Context, serial string, key control.KeyCode) error {
	_, err := p.RunShell(ctx, serial, "input", "keyevent", strconv.Itoa(int(key)))
	return errors.Wrapf(err, "key event %d", key)
}

// Connect attaches a network emulator at host:port.
func (p *Provider) Connect(ctx context.Context, addr string) error {
	host, port, err := splitAddr(addr)
	if err != nil {
		return err
	}
	return p.bounded(ctx, "connect", func() error {
		return errors.Wrapf(p.client.Connect(host, port), "adb connect %s", addr)
	})
}

// Disconnect detaches a network emulator.
func (p *Provider) Disconnect(ctx context.Context, serial string) error {
	host, port, err := splitAddr(serial)
	if err != nil {
		return err
	}
	return p.bounded(ctx, "disconnect", func() error {
		return errors.Wrapf(p.client.Disconnect(host, port), "adb disconnect %s", serial)
	})
}

// RunShell executes a shell command on the given device serial.
func (p *Provider) RunShell(ctx context.Context, serial string, args ...string) (string, error) {
	if p == nil {
		return "", errors.New("adb provider is nil")
	}
	if len(args) == 0 {
		return "", errors.New("adb provider: empty shell command")
	}
	return boundedValue(ctx, p.timeout, args[0], func() (string, error) {
		devs, err := p.client.DeviceList()
		if err != nil {
			return "", errors.Wrap(err, "list adb devices")
		}
		target := strings.TrimSpace(serial)
		for _, d := range devs {
			if d == nil {
				continue
			}
			if strings.TrimSpace(d.Serial()) == target {
				return d.RunShellCommand(args[0], args[1:]...)
			}
		}
		return "", errors.Errorf("device %s not found", serial)
	})
}

// bounded runs fn with the provider timeout.
func (p *Provider) bounded(ctx context.Context, op string, fn func() error) error {
	_, err := boundedValue(ctx, p.timeout, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

type outcome[T any] struct {
	val T
	err error
}

// boundedValue runs fn with a timeout. gadb calls are not context aware, so
// an expired call is abandoned and its goroutine finishes later. The result
// only crosses back through the channel, so an abandoned call shares no
// state with the caller.
func boundedValue[T any](ctx context.Context, timeout time.Duration, op string, fn func() (T, error)) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: errors.Errorf("adb %s panic: %v", op, r)}
			}
		}()
		val, err := fn()
		done <- outcome[T]{val: val, err: err}
	}()
	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, errors.Wrapf(ctx.Err(), "adb %s", op)
	}
}

func splitAddr(addr string) (string, int, error) {
	addr = strings.TrimSpace(addr)
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid device address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return "", 0, errors.Errorf("invalid port in device address %q", addr)
	}
	return host, port, nil
}

// escapeInputText makes text safe for `input text`, which treats %s as space.
func escapeInputText(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch r {
		case ' ':
			b.WriteString("%s")
		case '\'', '"', '\\', '&', '|', ';', '<', '>', '(', ')', '$', '`', '*', '?', '~', '#':
			b.WriteString(fmt.Sprintf("\\%c", r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
