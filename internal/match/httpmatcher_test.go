package match

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/httprunner/EmuAgent/internal/control"
)

func TestHTTPMatcherAppliesLocalThreshold(t *testing.T) {
	var got locateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/locate" {
			http.NotFound(w, r)
			return
		}
		var req locateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		got = req
		_, _ = w.Write([]byte(`{"code":0,"data":{"found":true,"x":10,"y":20,"score":0.79}}`))
	}))
	defer srv.Close()

	m, err := NewHTTPMatcher(srv.URL+"/", nil)
	if err != nil {
		t.Fatal(err)
	}
	hit, err := m.LocateInRegion(context.Background(), []byte("png"), "home_icon", control.Region{X: 1, Y: 2, W: 3, H: 4}, 0.8)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if hit.Found {
		t.Fatalf("score 0.79 must not pass threshold 0.8")
	}
	if got.Template != "home_icon" || got.Region == nil || got.Region.W != 3 {
		t.Fatalf("unexpected request: %+v", got)
	}

	hit, err = m.Locate(context.Background(), []byte("png"), "home_icon", 0.79)
	if err != nil || !hit.Found || hit.X != 10 || hit.Y != 20 {
		t.Fatalf("expected accepted hit, got %+v err=%v", hit, err)
	}
	if got.Region != nil {
		t.Fatalf("full-frame locate should omit region")
	}
}

func TestHTTPMatcherSurfacesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()
	m, _ := NewHTTPMatcher(srv.URL, nil)
	if _, err := m.Locate(context.Background(), []byte("png"), "x", 0.5); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := NewHTTPMatcher(" ", nil); err == nil {
		t.Fatalf("expected empty url error")
	}
}
