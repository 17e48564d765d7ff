package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Stream    StreamConfig    `json:"stream" yaml:"stream"`
	Window    WindowConfig    `json:"window" yaml:"window"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	API       APIConfig       `json:"api" yaml:"api"`
}

type StreamConfig struct {
	Transport     string      `json:"transport" yaml:"transport"`
	ChannelBuffer int         `json:"channel_buffer" yaml:"channel_buffer"`
	Timezone      string      `json:"timezone" yaml:"timezone"`
	SSE           SSEConfig   `json:"sse" yaml:"sse"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
	NATS          NATSConfig  `json:"nats" yaml:"nats"`
	MQTT          MQTTConfig  `json:"mqtt" yaml:"mqtt"`
	TCP           TCPConfig   `json:"tcp" yaml:"tcp"`
}

type SSEConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Path    string `json:"path" yaml:"path"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type NATSConfig struct {
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
}

type MQTTConfig struct {
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Topic    string `json:"topic" yaml:"topic"`
	QoS      byte   `json:"qos" yaml:"qos"`
}

type TCPConfig struct {
	Addr        string        `json:"addr" yaml:"addr"`
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

type WindowConfig struct {
	Capacity int `json:"capacity" yaml:"capacity"`
}

type DetectionConfig struct {
	LowBPM       float64       `json:"low_bpm" yaml:"low_bpm"`
	HighBPM      float64       `json:"high_bpm" yaml:"high_bpm"`
	DeltaBPM     float64       `json:"delta_bpm" yaml:"delta_bpm"`
	AlertTTL     time.Duration `json:"alert_ttl" yaml:"alert_ttl"`
	DedupeWindow time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
}

type HistoryConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Source  string        `json:"source" yaml:"source"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	Driver  string        `json:"driver" yaml:"driver"`
	DSN     string        `json:"dsn" yaml:"dsn"`
	Count   int           `json:"count" yaml:"count"`
	// Record writes every accepted live reading to the sql store.
	Record bool `json:"record" yaml:"record"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Stream: StreamConfig{
			Transport:     "sse",
			ChannelBuffer: 256,
			Timezone:      "Local",
			SSE:           SSEConfig{BaseURL: "http://localhost:8080/", Path: "heartrate/stream"},
			NATS:          NATSConfig{URL: "nats://127.0.0.1:4222", Subject: "hr.readings"},
			MQTT:          MQTTConfig{ClientID: "hrwatch", Topic: "hr/readings", QoS: 1},
		},
		Window: WindowConfig{Capacity: 10},
		Detection: DetectionConfig{
			LowBPM:   40,
			HighBPM:  100,
			DeltaBPM: 30,
			AlertTTL: 3 * time.Second,
		},
		History: HistoryConfig{
			Enabled: true,
			Source:  "http",
			BaseURL: "http://localhost:8080/",
			Timeout: 10 * time.Second,
			Driver:  "sqlite",
			DSN:     "file:hrwatch.db?_pragma=busy_timeout(5000)",
			Count:   10,
		},
		API: APIConfig{Enabled: true, Addr: ":8090"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Window.Capacity <= 0 {
		cfg.Window.Capacity = def.Window.Capacity
	}
	if cfg.Stream.ChannelBuffer <= 0 {
		cfg.Stream.ChannelBuffer = def.Stream.ChannelBuffer
	}
	if cfg.Stream.Timezone == "" {
		cfg.Stream.Timezone = def.Stream.Timezone
	}
	if cfg.Stream.Transport == "" {
		cfg.Stream.Transport = def.Stream.Transport
	}
	if cfg.Stream.SSE.Path == "" {
		cfg.Stream.SSE.Path = def.Stream.SSE.Path
	}
	if cfg.Detection.AlertTTL <= 0 {
		cfg.Detection.AlertTTL = def.Detection.AlertTTL
	}
	if cfg.History.Count <= 0 {
		cfg.History.Count = def.History.Count
	}
	if cfg.History.Timeout <= 0 {
		cfg.History.Timeout = def.History.Timeout
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	switch strings.ToLower(cfg.Stream.Transport) {
	case "sse":
		if cfg.Stream.SSE.BaseURL == "" {
			return errors.New("stream.sse.base_url required for sse transport")
		}
	case "kafka":
		if len(cfg.Stream.Kafka.Brokers) == 0 || cfg.Stream.Kafka.Topic == "" || cfg.Stream.Kafka.GroupID == "" {
			return errors.New("stream.kafka requires brokers, topic, group_id")
		}
	case "nats":
		if cfg.Stream.NATS.URL == "" || cfg.Stream.NATS.Subject == "" {
			return errors.New("stream.nats requires url and subject")
		}
	case "mqtt":
		if cfg.Stream.MQTT.Broker == "" || cfg.Stream.MQTT.Topic == "" {
			return errors.New("stream.mqtt requires broker and topic")
		}
		if cfg.Stream.MQTT.QoS > 2 {
			return fmt.Errorf("stream.mqtt.qos must be 0, 1 or 2: %d", cfg.Stream.MQTT.QoS)
		}
	case "tcp":
		if cfg.Stream.TCP.Addr == "" {
			return errors.New("stream.tcp.addr required for tcp transport")
		}
	default:
		return fmt.Errorf("unsupported stream.transport: %q", cfg.Stream.Transport)
	}
	if cfg.Detection.LowBPM <= 0 || cfg.Detection.HighBPM <= cfg.Detection.LowBPM {
		return errors.New("detection.low_bpm must be > 0 and below detection.high_bpm")
	}
	if cfg.Detection.DeltaBPM <= 0 {
		return errors.New("detection.delta_bpm must be > 0")
	}
	if cfg.Detection.DedupeWindow < 0 {
		return errors.New("detection.dedupe_window must not be negative")
	}
	if cfg.History.Enabled {
		switch strings.ToLower(cfg.History.Source) {
		case "http":
			if cfg.History.BaseURL == "" {
				return errors.New("history.base_url required for http source")
			}
		case "sql":
			if cfg.History.Driver == "" {
				return errors.New("history.driver required for sql source")
			}
		default:
			return fmt.Errorf("unsupported history.source: %q", cfg.History.Source)
		}
	}
	if cfg.History.Record && (!cfg.History.Enabled || !strings.EqualFold(cfg.History.Source, "sql")) {
		return errors.New("history.record requires an enabled sql history source")
	}
	return nil
}

// Location resolves stream.timezone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	if c == nil || c.Stream.Timezone == "" || strings.EqualFold(c.Stream.Timezone, "local") {
		return time.Local
	}
	if loc, err := time.LoadLocation(c.Stream.Timezone); err == nil {
		return loc
	}
	return time.Local
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime atomic.Int64
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	m.touch()
	return m, nil
}

// NewStaticManager serves cfg without a backing file.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	m.touch()
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().UnixNano() > m.modTime.Load(), nil
}

func (m *Manager) touch() {
	if m.path == "" {
		return
	}
	if info, err := os.Stat(m.path); err == nil {
		m.modTime.Store(info.ModTime().UnixNano())
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
