// Package api 提供编排器的 HTTP 控制面。
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/EmuAgent/internal/device"
	"github.com/httprunner/EmuAgent/internal/registry"
	"github.com/httprunner/EmuAgent/internal/routine"
	"github.com/httprunner/EmuAgent/internal/storage"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	maxBodyBytes      = 1 << 20
)

// Controller is the orchestrator surface the API drives.
type Controller interface {
	StartTaskByKey(key, routine string, params map[string]any) error
	StopTaskByKey(key string) (bool, error)
	Tasks() []registry.Entry
	Routines() []string
	SetPause(paused bool)
	Paused() bool
	RoundActive() bool
	BeginRepairRound() (int, error)
	EndRepairRound() error
	RunRepairRound(ctx context.Context) (routine.RepairReport, error)
}

// DeviceLister reports the pool snapshot.
type DeviceLister interface {
	Snapshot() []device.InfoUpdate
}

// RunLister serves recorded run history.
type RunLister interface {
	RecentRuns(ctx context.Context, key string, limit int) ([]storage.RunRow, error)
}

// Deps holds what the server needs. Runs and Metrics are optional.
type Deps struct {
	Addr       string
	Controller Controller
	Devices    DeviceLister
	Runs       RunLister
	Metrics    http.Handler
	Version    string
	HostUUID   string

	// NotFound and BadRequest list extra sentinel errors, such as an
	// unknown routine, that map to 404 and 400.
	NotFound   []error
	BadRequest []error
}

// Server is the HTTP control plane.
type Server struct {
	deps       Deps
	handler    http.Handler
	server     *http.Server
	started    time.Time
	notFound   []error
	badRequest []error
}

// New validates deps and builds the router. The listener starts in Start.
func New(deps Deps) (*Server, error) {
	if deps.Controller == nil {
		return nil, errors.New("api: controller is required")
	}
	if deps.Devices == nil {
		return nil, errors.New("api: device lister is required")
	}
	s := &Server{
		deps:       deps,
		started:    time.Now(),
		notFound:   append([]error{device.ErrUnknownDevice}, deps.NotFound...),
		badRequest: append([]error{registry.ErrInvalidKey}, deps.BadRequest...),
	}
	s.handler = s.buildRouter()
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on Addr and serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.deps.Addr)
	if err != nil {
		return errors.Wrapf(err, "api: listen %s", s.deps.Addr)
	}
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("api server listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "api: serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api server shutdown incomplete")
		return errors.Wrap(err, "api: shutdown")
	}
	log.Info().Msg("api server stopped")
	return nil
}
