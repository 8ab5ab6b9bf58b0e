// Package fake 提供用于测试的内存设备与匹配器实现。
package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/EmuAgent/internal/control"
)

// Call records one device port invocation.
type Call struct {
	Serial string
	Op     string
	X, Y   int
	Text   string
	Key    control.KeyCode
}

// Device is an in-memory control.Device.
type Device struct {
	mu      sync.Mutex
	online  map[string]bool
	calls   []Call
	frame   []byte
	delay   time.Duration
	capErrs int
	// CaptureErr is returned while capErrs remains positive.
	CaptureErr error
	// ConnectErr, when set, makes every Connect fail.
	ConnectErr error
	// ConnectBringsOnline marks an address online on successful Connect.
	ConnectBringsOnline bool
}

// NewDevice returns a device port with serials online.
func NewDevice(serials ...string) *Device {
	d := &Device{online: make(map[string]bool), frame: []byte("frame"), ConnectBringsOnline: true}
	for _, s := range serials {
		d.online[s] = true
	}
	return d
}

// FailCaptures makes the next n captures fail.
func (d *Device) FailCaptures(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capErrs = n
	if d.CaptureErr == nil {
		d.CaptureErr = errors.New("screencap: device not responding")
	}
}

// SetDelay makes every call take d.
func (d *Device) SetDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

// SetOnline toggles a serial.
func (d *Device) SetOnline(serial string, online bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if online {
		d.online[serial] = true
	} else {
		delete(d.online, serial)
	}
}

// Calls returns a copy of the recorded calls.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallsOf returns the recorded calls with op.
func (d *Device) CallsOf(op string) []Call {
	var out []Call
	for _, c := range d.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (d *Device) record(c Call) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, c)
	return d.delay
}

func pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (d *Device) Enumerate(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.online))
	for s := range d.online {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (d *Device) ListDevicesWithState(ctx context.Context) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.online))
	for s := range d.online {
		out[s] = "online"
	}
	return out, nil
}

func (d *Device) Capture(ctx context.Context, serial string) ([]byte, error) {
	pause(ctx, d.record(Call{Serial: serial, Op: "capture"}))
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capErrs > 0 {
		d.capErrs--
		return nil, d.CaptureErr
	}
	return d.frame, nil
}

func (d *Device) Tap(ctx context.Context, serial string, x, y int) error {
	pause(ctx, d.record(Call{Serial: serial, Op: "tap", X: x, Y: y}))
	return nil
}

func (d *Device) Swipe(ctx context.Context, serial string, x1, y1, x2, y2 int, _ time.Duration) error {
	pause(ctx, d.record(Call{Serial: serial, Op: "swipe", X: x1, Y: y1}))
	return nil
}

func (d *Device) SendText(ctx context.Context, serial, text string) error {
	pause(ctx, d.record(Call{Serial: serial, Op: "text", Text: text}))
	return nil
}

func (d *Device) SendKey(ctx context.Context, serial string, key control.KeyCode) error {
	pause(ctx, d.record(Call{Serial: serial, Op: "key", Key: key}))
	return nil
}

func (d *Device) Connect(ctx context.Context, addr string) error {
	d.record(Call{Serial: addr, Op: "connect"})
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ConnectErr != nil {
		return d.ConnectErr
	}
	if d.ConnectBringsOnline {
		d.online[addr] = true
	}
	return nil
}

func (d *Device) Disconnect(ctx context.Context, serial string) error {
	d.record(Call{Serial: serial, Op: "disconnect"})
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.online, serial)
	return nil
}

// Matcher is an in-memory control.Matcher keyed by template id.
type Matcher struct {
	mu      sync.Mutex
	hits    map[string]control.Match
	lookups map[string]int
	// Script, when set for a template, is consumed one entry per lookup
	// before falling back to hits.
	script map[string][]control.Match
}

// NewMatcher returns a matcher that finds nothing.
func NewMatcher() *Matcher {
	return &Matcher{
		hits:    make(map[string]control.Match),
		lookups: make(map[string]int),
		script:  make(map[string][]control.Match),
	}
}

// Set makes template resolve to (x, y) with score.
func (m *Matcher) Set(template string, x, y int, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[template] = control.Match{Found: true, X: x, Y: y, Score: score}
}

// Clear makes template unmatched.
func (m *Matcher) Clear(template string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hits, template)
}

// Script queues per-lookup results for template.
func (m *Matcher) Script(template string, results ...control.Match) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[template] = append(m.script[template], results...)
}

// Lookups returns how often template was queried.
func (m *Matcher) Lookups(template string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups[template]
}

func (m *Matcher) Locate(ctx context.Context, image []byte, template string, threshold float64) (control.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups[template]++
	hit, ok := m.hits[template]
	if queued := m.script[template]; len(queued) > 0 {
		hit, ok = queued[0], true
		m.script[template] = queued[1:]
	}
	if !ok {
		return control.Match{}, nil
	}
	hit.Found = hit.Found && control.Accepts(hit.Score, threshold)
	return hit, nil
}

func (m *Matcher) LocateInRegion(ctx context.Context, image []byte, template string, _ control.Region, threshold float64) (control.Match, error) {
	return m.Locate(ctx, image, template, threshold)
}
