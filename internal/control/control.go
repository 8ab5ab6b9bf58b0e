// Package control 定义设备控制端口与模板匹配端口。
package control

import (
	"context"
	"time"
)

// KeyCode is an Android key event code.
type KeyCode int

const (
	KeyHome      KeyCode = 3
	KeyBack      KeyCode = 4
	KeyEnter     KeyCode = 66
	KeyAppSwitch KeyCode = 187
)

// Region is a pixel rectangle inside a captured frame.
type Region struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
	W int `json:"w" yaml:"w"`
	H int `json:"h" yaml:"h"`
}

// Empty reports whether the region covers nothing, meaning the whole frame.
func (r Region) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Match is the result of one template lookup. Score is normalised to [0,1].
type Match struct {
	Found bool    `json:"found"`
	X     int     `json:"x"`
	Y     int     `json:"y"`
	Score float64 `json:"score"`
}

// Accepts applies the acceptance rule score >= threshold.
func Accepts(score, threshold float64) bool {
	return score >= threshold
}

// Device is the device control port. Calls are synchronous, bounded by the
// implementation's timeout, and return failures as values.
type Device interface {
	Enumerate(ctx context.Context) ([]string, error)
	Capture(ctx context.Context, serial string) ([]byte, error)
	Tap(ctx context.Context, serial string, x, y int) error
	Swipe(ctx context.Context, serial string, x1, y1, x2, y2 int, d time.Duration) error
	SendText(ctx context.Context, serial, text string) error
	SendKey(ctx context.Context, serial string, key KeyCode) error
	Connect(ctx context.Context, addr string) error
	Disconnect(ctx context.Context, serial string) error
}

// StateLister is implemented by devices that report per-serial adb states.
type StateLister interface {
	ListDevicesWithState(ctx context.Context) (map[string]string, error)
}

// Matcher is the template match port. Implementations must be safe for
// concurrent use by every device worker.
type Matcher interface {
	Locate(ctx context.Context, image []byte, template string, threshold float64) (Match, error)
	LocateInRegion(ctx context.Context, image []byte, template string, region Region, threshold float64) (Match, error)
}
