package device

import (
	"context"
	"time"
)

// Provider 返回当前在线的设备序列号列表。
type Provider interface {
	Enumerate(ctx context.Context) ([]string, error)
}

// Recorder 负责将设备信息同步到外部存储（SQLite/Feishu/Influx/MQTT）。
type Recorder interface {
	UpsertDevices(ctx context.Context, devices []InfoUpdate) error
}

// Meta 保存设备的静态信息。
type Meta struct {
	OSVersion    string
	IsRoot       string
	ProviderUUID string
}

// MetaFetcher 在设备首次出现时填充元信息。
type MetaFetcher func(ctx context.Context, serial string) Meta

// InfoUpdate 描述需要上报的设备状态。
type InfoUpdate struct {
	DeviceSerial string    `json:"serial"`
	Status       string    `json:"status"`
	OSVersion    string    `json:"os_version,omitempty"`
	IsRoot       string    `json:"is_root,omitempty"`
	ProviderUUID string    `json:"provider_uuid,omitempty"`
	AgentVersion string    `json:"agent_version,omitempty"`
	WorkerState  string    `json:"worker_state"`
	QueueDepth   int       `json:"queue_depth"`
	CurrentTask  string    `json:"current_task,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}
