package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config selects which transport bridge this peer runs and how it finds its
// companion. Values from the YAML file can be overridden per-field through
// the environment.
type Config struct {
	DeviceID  string `yaml:"device_id"`
	PairID    string `yaml:"pair_id"`
	Transport string `yaml:"transport"` // "nats" or "ws"
	LogLevel  string `yaml:"log_level"`

	NATS struct {
		URL    string `yaml:"url"`
		PeerID string `yaml:"peer_id"`
	} `yaml:"nats"`

	WS struct {
		ListenAddr string `yaml:"listen_addr"`
		DialURL    string `yaml:"dial_url"`
	} `yaml:"ws"`

	CounterFile string `yaml:"counter_file"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	var config Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.DeviceID = getEnv("WEARSYNC_DEVICE_ID", defaultString(config.DeviceID, "phone"))
	config.PairID = getEnv("WEARSYNC_PAIR_ID", defaultString(config.PairID, "default"))
	config.Transport = getEnv("WEARSYNC_TRANSPORT", defaultString(config.Transport, "ws"))
	config.LogLevel = getEnv("WEARSYNC_LOG_LEVEL", defaultString(config.LogLevel, "info"))
	config.NATS.URL = getEnv("NATS_URL", defaultString(config.NATS.URL, "nats://localhost:4222"))
	config.NATS.PeerID = getEnv("WEARSYNC_PEER_ID", defaultString(config.NATS.PeerID, "watch"))
	config.WS.ListenAddr = getEnv("WEARSYNC_WS_LISTEN", config.WS.ListenAddr)
	config.WS.DialURL = getEnv("WEARSYNC_WS_DIAL", config.WS.DialURL)
	config.CounterFile = getEnv("WEARSYNC_COUNTER_FILE", defaultString(config.CounterFile, "wearsync-counters.json"))

	if config.Transport != "nats" && config.Transport != "ws" {
		return nil, fmt.Errorf("unknown transport %q (want nats or ws)", config.Transport)
	}
	if config.Transport == "ws" && config.WS.ListenAddr == "" && config.WS.DialURL == "" {
		return nil, fmt.Errorf("ws transport needs a listen address or a dial url")
	}
	return &config, nil
}

func defaultString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
