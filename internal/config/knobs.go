package config

import "time"

// Environment variables understood by the agent.
const (
	EnvRefreshInterval  = "EMUAGENT_REFRESH_INTERVAL"
	EnvOfflineThreshold = "EMUAGENT_OFFLINE_THRESHOLD"
	EnvPollInterval     = "EMUAGENT_POLL_INTERVAL"
	EnvPopTimeout       = "EMUAGENT_WORKER_POP_TIMEOUT"
	EnvADBTimeout       = "EMUAGENT_ADB_TIMEOUT"
	EnvDeviceAddrs      = "EMUAGENT_DEVICE_ADDRS"
	EnvDeviceAllowlist  = "EMUAGENT_DEVICE_ALLOWLIST"
	EnvRepairInterval   = "EMUAGENT_REPAIR_INTERVAL"
	EnvHTTPAddr         = "EMUAGENT_HTTP_ADDR"
	EnvDBPath           = "EMUAGENT_DB_PATH"
	EnvMatcherURL       = "EMUAGENT_MATCHER_URL"
	EnvBundlesPath      = "EMUAGENT_BUNDLES"
	EnvRoutinesDir      = "EMUAGENT_ROUTINES_DIR"

	EnvFeishuAppID      = "FEISHU_APP_ID"
	EnvFeishuAppSecret  = "FEISHU_APP_SECRET"
	EnvFeishuBaseURL    = "FEISHU_BASE_URL"
	EnvTaskBitableURL   = "EMUAGENT_TASK_BITABLE_URL"
	EnvDeviceBitableURL = "EMUAGENT_DEVICE_BITABLE_URL"

	EnvMQTTBroker      = "EMUAGENT_MQTT_BROKER"
	EnvMQTTClientID    = "EMUAGENT_MQTT_CLIENT_ID"
	EnvMQTTUsername    = "EMUAGENT_MQTT_USERNAME"
	EnvMQTTPassword    = "EMUAGENT_MQTT_PASSWORD"
	EnvMQTTTopicPrefix = "EMUAGENT_MQTT_TOPIC_PREFIX"

	EnvInfluxURL    = "EMUAGENT_INFLUX_URL"
	EnvInfluxToken  = "EMUAGENT_INFLUX_TOKEN"
	EnvInfluxOrg    = "EMUAGENT_INFLUX_ORG"
	EnvInfluxBucket = "EMUAGENT_INFLUX_BUCKET"

	EnvOTLPEndpoint = "EMUAGENT_OTLP_ENDPOINT"
	EnvServiceName  = "EMUAGENT_SERVICE_NAME"
)

// Agent collects the knobs read at startup.
type Agent struct {
	RefreshInterval  time.Duration
	OfflineThreshold time.Duration
	PollInterval     time.Duration
	PopTimeout       time.Duration
	ADBTimeout       time.Duration
	RepairInterval   time.Duration
	DeviceAddrs      []string
	DeviceAllowlist  string
	HTTPAddr         string
	DBPath           string
	MatcherURL       string
	BundlesPath      string
	RoutinesDir      string
}

// LoadAgent reads the agent knobs with their defaults.
func LoadAgent() Agent {
	return Agent{
		RefreshInterval:  Duration(EnvRefreshInterval, 15*time.Second),
		OfflineThreshold: Duration(EnvOfflineThreshold, 5*time.Minute),
		PollInterval:     Duration(EnvPollInterval, 100*time.Millisecond),
		PopTimeout:       Duration(EnvPopTimeout, 500*time.Millisecond),
		ADBTimeout:       Duration(EnvADBTimeout, 15*time.Second),
		RepairInterval:   Duration(EnvRepairInterval, 0),
		DeviceAddrs:      Strings(EnvDeviceAddrs),
		DeviceAllowlist:  String(EnvDeviceAllowlist, ""),
		HTTPAddr:         String(EnvHTTPAddr, ":8089"),
		DBPath:           String(EnvDBPath, ""),
		MatcherURL:       String(EnvMatcherURL, ""),
		BundlesPath:      String(EnvBundlesPath, ""),
		RoutinesDir:      String(EnvRoutinesDir, ""),
	}
}
