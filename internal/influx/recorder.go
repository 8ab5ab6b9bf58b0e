// Package influx 将任务结果与设备状态写入 InfluxDB 时序库。
package influx

import (
	"context"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/EmuAgent/internal/config"
	"github.com/httprunner/EmuAgent/internal/device"
	"github.com/httprunner/EmuAgent/internal/event"
)

const (
	measurementTask   = "task_outcome"
	measurementDevice = "device_status"

	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	pingTimeout          = 5 * time.Second
)

// Config holds the connection settings.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// ConfigFromEnv reads EMUAGENT_INFLUX_*.
func ConfigFromEnv() Config {
	return Config{
		URL:    config.String(config.EnvInfluxURL, ""),
		Token:  config.String(config.EnvInfluxToken, ""),
		Org:    config.String(config.EnvInfluxOrg, ""),
		Bucket: config.String(config.EnvInfluxBucket, ""),
	}
}

// Enabled reports whether enough settings are present to connect.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.URL) != "" && strings.TrimSpace(c.Bucket) != ""
}

// Recorder writes points through the non-blocking write API.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	done     chan struct{}
}

// Connect verifies the server is reachable and starts the async writer.
func Connect(ctx context.Context, cfg Config) (*Recorder, error) {
	if !cfg.Enabled() {
		return nil, errors.New("influx: url and bucket are required")
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush / time.Millisecond))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	ok, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "influx: ping %s", cfg.URL)
	}
	if !ok {
		client.Close()
		return nil, errors.Errorf("influx: %s not ready", cfg.URL)
	}

	r := &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		done:     make(chan struct{}),
	}
	go r.drainErrors()

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("influx recorder connected")
	return r, nil
}

func (r *Recorder) drainErrors() {
	errs := r.writeAPI.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("influx write failed")
		case <-r.done:
			return
		}
	}
}

// RecordTask writes one point per terminal task event.
func (r *Recorder) RecordTask(_ context.Context, ev event.Task) error {
	if r == nil || !ev.Status.Terminal() {
		return nil
	}
	r.writeAPI.WritePoint(taskPoint(ev))
	return nil
}

// UpsertDevices writes the current status of every device.
func (r *Recorder) UpsertDevices(_ context.Context, devices []device.InfoUpdate) error {
	if r == nil {
		return nil
	}
	for _, d := range devices {
		r.writeAPI.WritePoint(devicePoint(d))
	}
	return nil
}

// Close flushes pending points and releases the client.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.writeAPI.Flush()
	close(r.done)
	r.client.Close()
	return nil
}

func taskPoint(ev event.Task) *write.Point {
	tags := map[string]string{
		"scope":  ev.Scope,
		"task":   ev.Task,
		"status": string(ev.Status),
	}
	if ev.Serial != "" {
		tags["serial"] = ev.Serial
	}
	if ev.Outcome != "" {
		tags["outcome"] = ev.Outcome
	}
	if ev.Host != "" {
		tags["host"] = ev.Host
	}
	fields := map[string]interface{}{
		"elapsed_ms": ev.Elapsed.Milliseconds(),
		"ok":         ev.Status == event.StatusCompleted,
	}
	if ev.Step != "" {
		fields["step"] = ev.Step
	}
	ts := ev.FinishedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(measurementTask, tags, fields, ts)
}

func devicePoint(d device.InfoUpdate) *write.Point {
	tags := map[string]string{
		"serial": d.DeviceSerial,
		"status": d.Status,
	}
	fields := map[string]interface{}{
		"queue_depth":  d.QueueDepth,
		"worker_state": d.WorkerState,
	}
	if d.CurrentTask != "" {
		fields["current_task"] = d.CurrentTask
	}
	ts := d.LastSeenAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(measurementDevice, tags, fields, ts)
}
