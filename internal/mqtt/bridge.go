// Package mqtt 通过 MQTT 发布任务/设备事件，并订阅远程控制命令。
package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/EmuAgent/internal/config"
	"github.com/httprunner/EmuAgent/internal/device"
	"github.com/httprunner/EmuAgent/internal/event"
)

const (
	defaultTopicPrefix = "emuagent"
	defaultQoS         = byte(1)

	connectTimeout  = 10 * time.Second
	publishTimeout  = 5 * time.Second
	keepAlive       = 30 * time.Second
	disconnectQuiet = 250

	statusOnline  = "online"
	statusOffline = "offline"
)

// Command names accepted on <prefix>/<client>/cmd/<name>.
const (
	CmdStart  = "start"
	CmdStop   = "stop"
	CmdPause  = "pause"
	CmdRepair = "repair"
)

// Controller is the control surface driven by remote commands.
type Controller interface {
	StartTaskByKey(key, routine string, params map[string]any) error
	StopTaskByKey(key string) (bool, error)
	SetPause(paused bool)
	RepairNow(ctx context.Context) error
}

// Config holds broker settings.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// ConfigFromEnv reads EMUAGENT_MQTT_*.
func ConfigFromEnv(hostUUID string) Config {
	return Config{
		Broker:      config.String(config.EnvMQTTBroker, ""),
		ClientID:    config.String(config.EnvMQTTClientID, "emuagent-"+hostUUID),
		Username:    config.String(config.EnvMQTTUsername, ""),
		Password:    config.String(config.EnvMQTTPassword, ""),
		TopicPrefix: config.String(config.EnvMQTTTopicPrefix, defaultTopicPrefix),
	}
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Broker) != ""
}

// Topics derives every topic used by one agent.
type Topics struct {
	Status  string
	Tasks   string
	Devices string
	Command string
}

// NewTopics builds the topic set rooted at <prefix>/<clientID>.
func NewTopics(prefix, clientID string) Topics {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	root := prefix + "/" + sanitizeLevel(clientID)
	return Topics{
		Status:  root + "/status",
		Tasks:   root + "/events/task",
		Devices: root + "/devices",
		Command: root + "/cmd/",
	}
}

// CommandFilter is the subscription filter for all commands.
func (t Topics) CommandFilter() string {
	return t.Command + "+"
}

// CommandName extracts the command from a command topic.
func (t Topics) CommandName(topic string) (string, bool) {
	if !strings.HasPrefix(topic, t.Command) {
		return "", false
	}
	name := strings.TrimPrefix(topic, t.Command)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func sanitizeLevel(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(strings.TrimSpace(s))
}

// Bridge publishes events and dispatches commands.
type Bridge struct {
	client pahomqtt.Client
	topics Topics
	ctrl   Controller

	// ctx bounds commands still running when the bridge closes.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Connect dials the broker, announces the agent online and subscribes to commands.
// ctrl may be nil, in which case commands are not subscribed.
func Connect(cfg Config, ctrl Controller) (*Bridge, error) {
	if !cfg.Enabled() {
		return nil, errors.New("mqtt: broker is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		topics: NewTopics(cfg.TopicPrefix, cfg.ClientID),
		ctrl:   ctrl,
		ctx:    ctx,
		cancel: cancel,
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(b.topics.Status, statusOffline, defaultQoS, true)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost")
	})

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		cancel()
		return nil, errors.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, errors.Wrapf(err, "mqtt: connect to %s", cfg.Broker)
	}
	log.Info().Str("broker", cfg.Broker).Str("client_id", cfg.ClientID).Msg("mqtt bridge connected")
	return b, nil
}

// onConnect runs on every (re)connect so subscriptions survive broker restarts.
func (b *Bridge) onConnect(c pahomqtt.Client) {
	c.Publish(b.topics.Status, defaultQoS, true, statusOnline)
	if b.ctrl == nil {
		return
	}
	token := c.Subscribe(b.topics.CommandFilter(), defaultQoS, b.handleMessage)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		log.Error().Err(token.Error()).Str("topic", b.topics.CommandFilter()).Msg("mqtt subscribe failed")
	}
}

func (b *Bridge) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", msg.Topic()).Msg("mqtt command handler panicked")
		}
	}()
	name, ok := b.topics.CommandName(msg.Topic())
	if !ok {
		return
	}
	if err := Dispatch(b.ctx, b.ctrl, name, msg.Payload()); err != nil {
		log.Warn().Err(err).Str("command", name).Msg("mqtt command rejected")
		return
	}
	log.Info().Str("command", name).Msg("mqtt command applied")
}

// CommandPayload is the JSON body of a command message.
type CommandPayload struct {
	Key     string         `json:"key,omitempty"`
	Routine string         `json:"routine,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Paused  *bool          `json:"paused,omitempty"`
}

// Dispatch applies one named command to ctrl. Repair is started in the
// background under ctx and Dispatch returns without waiting for it.
func Dispatch(ctx context.Context, ctrl Controller, name string, payload []byte) error {
	if ctrl == nil {
		return errors.New("no controller")
	}
	var cmd CommandPayload
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return errors.Wrapf(err, "decode %s payload", name)
		}
	}
	switch name {
	case CmdStart:
		if cmd.Key == "" {
			return errors.New("start: key is required")
		}
		return ctrl.StartTaskByKey(cmd.Key, cmd.Routine, cmd.Params)
	case CmdStop:
		if cmd.Key == "" {
			return errors.New("stop: key is required")
		}
		_, err := ctrl.StopTaskByKey(cmd.Key)
		return err
	case CmdPause:
		if cmd.Paused == nil {
			return errors.New("pause: paused is required")
		}
		ctrl.SetPause(*cmd.Paused)
		return nil
	case CmdRepair:
		// a round can take minutes; the paho callback must return so later
		// commands are delivered meanwhile
		go func() {
			if err := ctrl.RepairNow(ctx); err != nil {
				log.Warn().Err(err).Msg("mqtt repair command failed")
				return
			}
			log.Info().Msg("mqtt repair command finished")
		}()
		return nil
	default:
		return errors.Errorf("unknown command %q", name)
	}
}

// RecordTask publishes the task event (not retained).
func (b *Bridge) RecordTask(_ context.Context, ev event.Task) error {
	return b.publishJSON(b.topics.Tasks, false, ev)
}

// UpsertDevices publishes the device snapshot as a retained message.
func (b *Bridge) UpsertDevices(_ context.Context, devices []device.InfoUpdate) error {
	return b.publishJSON(b.topics.Devices, true, devices)
}

func (b *Bridge) publishJSON(topic string, retained bool, v any) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New("mqtt: bridge closed")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "mqtt: marshal payload")
	}
	token := b.client.Publish(topic, defaultQoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Errorf("mqtt: publish to %s timed out", topic)
	}
	return errors.Wrapf(token.Error(), "mqtt: publish to %s", topic)
}

// Close announces offline and disconnects.
func (b *Bridge) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()

	if b.client.IsConnected() {
		token := b.client.Publish(b.topics.Status, defaultQoS, true, statusOffline)
		token.WaitTimeout(publishTimeout)
	}
	b.client.Disconnect(disconnectQuiet)
	return nil
}
