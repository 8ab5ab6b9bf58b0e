package adb

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestSplitAddr(t *testing.T) {
	host, port, err := splitAddr(" 127.0.0.1:5555 ")
	if err != nil || host != "127.0.0.1" || port != 5555 {
		t.Fatalf("unexpected split: %s %d %v", host, port, err)
	}
	for _, bad := range []string{"emulator-5554", "host:abc", "host:0"} {
		if _, _, err := splitAddr(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestEscapeInputText(t *testing.T) {
	got := escapeInputText("hi there&go")
	want := `hi%sthere\&go`
	if got != want {
		t.Fatalf("escapeInputText = %q, want %q", got, want)
	}
}

func TestBoundedValueAbandonsSlowCall(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	got, err := boundedValue(context.Background(), 20*time.Millisecond, "shell", func() (map[string]string, error) {
		defer close(finished)
		<-release
		return map[string]string{"D1": "device"}, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if got != nil {
		t.Fatalf("timed out call must return the zero value, got %v", got)
	}
	close(release)
	<-finished
}

func TestBoundedValueReturnsResultAndPanics(t *testing.T) {
	out, err := boundedValue(context.Background(), time.Second, "shell", func() (string, error) {
		return "ok", nil
	})
	if err != nil || out != "ok" {
		t.Fatalf("unexpected result %q %v", out, err)
	}
	_, err = boundedValue(context.Background(), time.Second, "shell", func() (string, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatalf("expected panic to surface as error")
	}
}
