package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	// SimRateHz drives entity mutations; FlushRateHz drives replicator flushes.
	SimRateHz   int `yaml:"sim_rate_hz"`
	FlushRateHz int `yaml:"flush_rate_hz"`

	Transport Transport `yaml:"transport"`
	Client    Client    `yaml:"client"`
}

type Transport struct {
	MaxQueue          int `yaml:"max_queue"`
	DefaultQueue      int `yaml:"default_queue"`
	CompressThreshold int `yaml:"compress_threshold"`
	WriteTimeoutMs    int `yaml:"write_timeout_ms"`
	ReadTimeoutMs     int `yaml:"read_timeout_ms"`
}

type Client struct {
	RetryDelayMs int `yaml:"retry_delay_ms"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		SimRateHz:       10,
		FlushRateHz:     4,
		Transport: Transport{
			MaxQueue:          1024,
			DefaultQueue:      256,
			CompressThreshold: 16 * 1024,
			WriteTimeoutMs:    5000,
			ReadTimeoutMs:     60000,
		},
		Client: Client{
			RetryDelayMs: 500,
		},
	}
}

// Load reads a tuning file over the defaults; absent keys keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.SimRateHz <= 0 || t.SimRateHz > 1000 {
		return fmt.Errorf("sim_rate_hz out of range: %d", t.SimRateHz)
	}
	if t.FlushRateHz <= 0 || t.FlushRateHz > 1000 {
		return fmt.Errorf("flush_rate_hz out of range: %d", t.FlushRateHz)
	}
	if t.Transport.MaxQueue <= 0 || t.Transport.DefaultQueue <= 0 || t.Transport.DefaultQueue > t.Transport.MaxQueue {
		return fmt.Errorf("transport queue sizes invalid: default=%d max=%d", t.Transport.DefaultQueue, t.Transport.MaxQueue)
	}
	if t.Client.RetryDelayMs <= 0 {
		return fmt.Errorf("client.retry_delay_ms must be positive")
	}
	return nil
}
