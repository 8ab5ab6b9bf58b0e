// Package device 维护设备池：枚举设备、为每台设备创建并管理 Worker。
package device

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/EmuAgent/internal/metrics"
	"github.com/httprunner/EmuAgent/internal/worker"
)

// DefaultOfflineThreshold 设备消失超过该时长后才从池中移除。
const DefaultOfflineThreshold = 5 * time.Minute

// Status 描述设备在调度中的状态。
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusMissing Status = "missing"
	StatusOffline Status = "offline"
)

// ErrUnknownDevice 表示设备不在池中。
var ErrUnknownDevice = errors.New("device not in pool")

// Options 配置设备池。
type Options struct {
	AgentVersion     string
	HostUUID         string
	OfflineThreshold time.Duration
	WorkerOptions    []worker.Option
	Metrics          *metrics.Metrics
	FetchMeta        MetaFetcher
	// Allowlist 非空时只接管其中的设备。
	Allowlist []string
}

// Manager 负责维护设备状态、设备 Worker 的生命周期，并与 recorder 同步。
type Manager struct {
	provider Provider
	recorder Recorder
	opts     Options
	allowed  map[string]struct{}

	mu      sync.Mutex
	devices map[string]*state
	closed  bool
}

type state struct {
	serial         string
	worker         *worker.Worker
	jobs           int
	lastSeen       time.Time
	missing        bool
	removeAfterJob bool
	meta           Meta
}

func (s *state) status() Status {
	switch {
	case s.missing:
		return StatusMissing
	case s.jobs > 0 || !s.worker.IsIdle():
		return StatusRunning
	default:
		return StatusIdle
	}
}

func (m *Manager) isAllowed(serial string) bool {
	if m.allowed == nil {
		return true
	}
	_, ok := m.allowed[serial]
	return ok
}

// NewManager 构建设备池。
func NewManager(provider Provider, recorder Recorder, opts Options) *Manager {
	if opts.OfflineThreshold <= 0 {
		opts.OfflineThreshold = DefaultOfflineThreshold
	}
	return &Manager{
		provider: provider,
		recorder: recorder,
		opts:     opts,
		allowed:  allowlistSet(opts.Allowlist),
		devices:  make(map[string]*state),
	}
}

// Refresh 枚举设备：新设备启动 Worker，长时间离线的空闲设备停止并移除，
// 忙碌设备标记为作业结束后移除。
func (m *Manager) Refresh(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return errors.New("device manager: provider is nil")
	}
	serials, err := m.provider.Enumerate(ctx)
	if err != nil {
		return errors.Wrap(err, "list devices failed")
	}
	now := time.Now()
	seen := make(map[string]struct{}, len(serials))
	var (
		fresh   []string
		stopped []*worker.Worker
		updates = make([]InfoUpdate, 0, len(serials))
	)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("device manager closed")
	}
	for _, serial := range serials {
		serial = strings.TrimSpace(serial)
		if serial == "" || !m.isAllowed(serial) {
			continue
		}
		seen[serial] = struct{}{}
		dev, exists := m.devices[serial]
		if exists {
			dev.lastSeen = now
			if dev.missing {
				dev.missing = false
				dev.removeAfterJob = false
				log.Info().Str("serial", serial).Msg("device reappeared")
			}
		} else {
			w := worker.New(serial, m.opts.WorkerOptions...)
			w.Start()
			dev = &state{
				serial:   serial,
				worker:   w,
				lastSeen: now,
				meta:     Meta{ProviderUUID: m.opts.HostUUID},
			}
			m.devices[serial] = dev
			fresh = append(fresh, serial)
			log.Info().Str("serial", serial).Msg("device connected")
		}
		updates = append(updates, m.infoLocked(dev, now))
	}

	for serial, dev := range m.devices {
		if _, ok := seen[serial]; ok {
			continue
		}
		if !dev.missing {
			dev.missing = true
			log.Warn().Str("serial", serial).Msg("device missing from enumeration")
		}
		if dev.jobs > 0 {
			if !dev.removeAfterJob {
				dev.removeAfterJob = true
				log.Warn().Str("serial", serial).Msg("device disconnected during job, will remove after completion")
			}
			continue
		}
		if now.Sub(dev.lastSeen) < m.opts.OfflineThreshold {
			continue
		}
		delete(m.devices, serial)
		stopped = append(stopped, dev.worker)
		info := m.infoLocked(dev, dev.lastSeen)
		info.Status = string(StatusOffline)
		updates = append(updates, info)
		log.Info().Str("serial", serial).Msg("device disconnected")
	}
	total := len(m.devices)
	m.mu.Unlock()

	for _, w := range stopped {
		w.Stop()
		m.opts.Metrics.DropDevice(w.Serial())
	}
	m.opts.Metrics.SetDevices(total)

	if m.opts.FetchMeta != nil && len(fresh) > 0 {
		for _, serial := range fresh {
			meta := m.opts.FetchMeta(ctx, serial)
			if strings.TrimSpace(meta.ProviderUUID) == "" {
				meta.ProviderUUID = m.opts.HostUUID
			}
			m.SetMeta(serial, meta)
			for i := range updates {
				if updates[i].DeviceSerial == serial {
					updates[i].OSVersion = meta.OSVersion
					updates[i].IsRoot = meta.IsRoot
					updates[i].ProviderUUID = meta.ProviderUUID
				}
			}
		}
	}

	if m.recorder != nil && len(updates) > 0 {
		if err := m.recorder.UpsertDevices(ctx, updates); err != nil {
			log.Error().Err(err).Msg("device recorder upsert failed")
		}
	}
	return nil
}

func (m *Manager) infoLocked(dev *state, seenAt time.Time) InfoUpdate {
	return InfoUpdate{
		DeviceSerial: dev.serial,
		Status:       string(dev.status()),
		OSVersion:    dev.meta.OSVersion,
		IsRoot:       dev.meta.IsRoot,
		ProviderUUID: dev.meta.ProviderUUID,
		AgentVersion: m.opts.AgentVersion,
		WorkerState:  string(dev.worker.State()),
		QueueDepth:   dev.worker.QueueLen(),
		CurrentTask:  dev.worker.Current(),
		LastSeenAt:   seenAt,
	}
}

// Worker 返回设备的 Worker。
func (m *Manager) Worker(serial string) (*worker.Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[strings.TrimSpace(serial)]
	if !ok || dev.missing {
		return nil, false
	}
	return dev.worker, true
}

// Acquire 为一个任务占用设备并返回其 Worker，任务结束时必须调用 Release。
func (m *Manager) Acquire(serial string) (*worker.Worker, error) {
	serial = strings.TrimSpace(serial)
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[serial]
	if !ok || dev.missing {
		return nil, errors.Wrapf(ErrUnknownDevice, "serial %s", serial)
	}
	dev.jobs++
	return dev.worker, nil
}

// Release 释放任务占用；设备在作业期间离线时，此处将其移除。
func (m *Manager) Release(serial string) {
	serial = strings.TrimSpace(serial)
	m.mu.Lock()
	dev, ok := m.devices[serial]
	if !ok {
		m.mu.Unlock()
		return
	}
	if dev.jobs > 0 {
		dev.jobs--
	}
	remove := dev.jobs == 0 && dev.removeAfterJob
	if remove {
		delete(m.devices, serial)
	}
	total := len(m.devices)
	m.mu.Unlock()

	if remove {
		log.Info().Str("serial", serial).Msg("device removed from pool after job")
		// Release may run on the worker itself, so stopping must not wait here.
		go dev.worker.Stop()
		m.opts.Metrics.DropDevice(serial)
		m.opts.Metrics.SetDevices(total)
	}
}

// Serials 返回池中在线设备的序列号，按字典序排列。
func (m *Manager) Serials() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.devices))
	for serial, dev := range m.devices {
		if !dev.missing {
			out = append(out, serial)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot 返回所有设备的当前状态。
func (m *Manager) Snapshot() []InfoUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InfoUpdate, 0, len(m.devices))
	for _, dev := range m.devices {
		out = append(out, m.infoLocked(dev, dev.lastSeen))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceSerial < out[j].DeviceSerial })
	return out
}

// Meta 返回设备的元信息。
func (m *Manager) Meta(serial string) Meta {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[serial]; ok {
		return dev.meta
	}
	return Meta{}
}

// SetMeta 覆盖设备元信息。
func (m *Manager) SetMeta(serial string, meta Meta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[serial]; ok {
		dev.meta = meta
	}
}

// Close 停止所有设备 Worker。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	workers := make([]*worker.Worker, 0, len(m.devices))
	for serial, dev := range m.devices {
		workers = append(workers, dev.worker)
		delete(m.devices, serial)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
	m.opts.Metrics.SetDevices(0)
}
