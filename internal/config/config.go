package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"ptoc-relay/internal/acquisition"
	"ptoc-relay/internal/goose"
	measurement "ptoc-relay/internal/measurement/domain"
	protection "ptoc-relay/internal/protection/domain"
)

// PTOCConfig holds the definite-time element settings.
type PTOCConfig struct {
	// ISet is the pickup current in primary amperes.
	ISet float64 `yaml:"iset" validate:"gt=0"`
	// TSet is the definite time delay in milliseconds.
	TSet    uint64 `yaml:"tset"`
	Enabled bool   `yaml:"enabled"`
	SealIn  bool   `yaml:"seal_in"`
}

// CTConfig holds the current transformer ratings.
type CTConfig struct {
	Primary   float64 `yaml:"primary" validate:"gt=0"`
	Secondary float64 `yaml:"secondary" validate:"gt=0"`
}

// Ratio returns primary/secondary.
func (c CTConfig) Ratio() float64 {
	return c.Primary / c.Secondary
}

// ADCConfig holds the converter calibration.
type ADCConfig struct {
	ScaleFactor float64 `yaml:"scale_factor" validate:"ne=0"`
	Offset      float64 `yaml:"offset"`
}

// GOOSEConfig addresses the trip publication.
type GOOSEConfig struct {
	DstMAC    string `yaml:"dst_mac" validate:"required,mac"`
	AppID     uint16 `yaml:"appid"`
	GoID      string `yaml:"goid" validate:"required,max=129"`
	GoCBRef   string `yaml:"gocb_ref" validate:"required,max=129"`
	DatSet    string `yaml:"dat_set" validate:"required,max=129"`
	Interface string `yaml:"interface"`
	Transport string `yaml:"transport" validate:"oneof=log kafka"`
	Topic     string `yaml:"topic"`
}

// SVConfig describes the sampled-values input.
type SVConfig struct {
	SamplesPerCycle int     `yaml:"samples_per_cycle" validate:"gt=0,lte=4096"`
	Frequency       float64 `yaml:"frequency" validate:"gt=0"`
	Interface       string  `yaml:"interface"`
	MulticastMAC    string  `yaml:"multicast_mac" validate:"omitempty,mac"`
	Source          string  `yaml:"source" validate:"oneof=simulator mqtt"`
}

// SampleRate returns samples per second at the nominal frequency.
func (c SVConfig) SampleRate() int {
	return int(float64(c.SamplesPerCycle)*c.Frequency + 0.5)
}

// RelayConfig tunes the evaluation service.
type RelayConfig struct {
	Name         string        `yaml:"name" validate:"required"`
	Heartbeat    time.Duration `yaml:"heartbeat" validate:"gte=0"`
	SampleBuffer int           `yaml:"sample_buffer" validate:"gte=0"`
	OutputBuffer int           `yaml:"output_buffer" validate:"gte=0"`
	SinkTimeout  time.Duration `yaml:"sink_timeout" validate:"gte=0"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// DatabaseConfig selects trip event storage. An empty URL keeps events in memory.
type DatabaseConfig struct {
	URL            string `yaml:"url"`
	MemoryCapacity int    `yaml:"memory_capacity" validate:"gte=0"`
}

// AuthConfig configures JWT authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Disabled  bool   `yaml:"disabled"`
}

// AlarmConfig configures webhook notifications.
type AlarmConfig struct {
	WebhookURL   string        `yaml:"webhook_url" validate:"omitempty,url"`
	StatusURL    string        `yaml:"status_url" validate:"omitempty,url"`
	Cooldown     time.Duration `yaml:"cooldown" validate:"gte=0"`
	DedupeWindow time.Duration `yaml:"dedupe_window" validate:"gte=0"`
	Escalation   time.Duration `yaml:"escalation" validate:"gte=0"`
}

// KafkaConfig lists the brokers used by the GOOSE kafka transport.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers,omitempty"`
}

// MQTTConfig configures the MQTT sampled-values source.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos" validate:"lte=2"`
}

// SegmentConfig is one step of a simulated current profile.
type SegmentConfig struct {
	Current  float64       `yaml:"current"`
	Duration time.Duration `yaml:"duration" validate:"gt=0"`
}

// SimulatorConfig scripts the built-in waveform source.
type SimulatorConfig struct {
	Waveform string          `yaml:"waveform" validate:"oneof=sine dc"`
	Realtime bool            `yaml:"realtime"`
	Loop     bool            `yaml:"loop"`
	Segments []SegmentConfig `yaml:"segments" validate:"required,min=1,dive"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// SystemConfig is the complete relay configuration.
type SystemConfig struct {
	PTOC      PTOCConfig      `yaml:"ptoc"`
	CT        CTConfig        `yaml:"ct"`
	ADC       ADCConfig       `yaml:"adc"`
	GOOSE     GOOSEConfig     `yaml:"goose"`
	SV        SVConfig        `yaml:"sv"`
	Relay     RelayConfig     `yaml:"relay"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Alarm     AlarmConfig     `yaml:"alarm"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the factory configuration.
func Default() SystemConfig {
	identity := goose.DefaultIdentity()
	return SystemConfig{
		PTOC: PTOCConfig{ISet: 100, TSet: 100, Enabled: true},
		CT:   CTConfig{Primary: 400, Secondary: 1},
		ADC:  ADCConfig{ScaleFactor: 0.001},
		GOOSE: GOOSEConfig{
			DstMAC:    identity.DstMAC,
			AppID:     identity.AppID,
			GoID:      identity.GoID,
			GoCBRef:   identity.GoCBRef,
			DatSet:    identity.DatSet,
			Interface: "eth0",
			Transport: "log",
			Topic:     "relay.goose.trip",
		},
		SV: SVConfig{
			SamplesPerCycle: 80,
			Frequency:       50,
			Interface:       "eth0",
			MulticastMAC:    "01:0C:CD:04:00:00",
			Source:          "simulator",
		},
		Relay: RelayConfig{
			Name:         "relay-1",
			Heartbeat:    time.Second,
			SampleBuffer: 1024,
			OutputBuffer: 256,
			SinkTimeout:  2 * time.Second,
		},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Database: DatabaseConfig{MemoryCapacity: 10000},
		Alarm: AlarmConfig{
			Cooldown:     time.Minute,
			DedupeWindow: 10 * time.Second,
			Escalation:   5 * time.Minute,
		},
		MQTT: MQTTConfig{Topic: "relay/sv/current", ClientID: "ptoc-relay", QoS: 1},
		Simulator: SimulatorConfig{
			Waveform: "sine",
			Realtime: true,
			Loop:     true,
			Segments: []SegmentConfig{
				{Current: 50, Duration: time.Second},
				{Current: 150, Duration: 200 * time.Millisecond},
				{Current: 50, Duration: time.Second},
			},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (YAML or JSON) over the defaults, then applies env overrides.
// An empty path falls back to RELAY_CONFIG; with neither, only defaults and env apply.
func Load(path string) (SystemConfig, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg SystemConfig) error {
	if path == "" {
		return errors.New("config: empty path")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and that the domain values can be built.
func (c SystemConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.GOOSE.Transport == "kafka" && len(c.Kafka.Brokers) == 0 {
		return errors.New("config: goose transport kafka requires kafka.brokers")
	}
	if c.SV.Source == "mqtt" && c.MQTT.Broker == "" {
		return errors.New("config: sv source mqtt requires mqtt.broker")
	}
	if _, err := c.Build(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Build produces validated protection settings.
func (c SystemConfig) Build() (protection.Settings, error) {
	scale, err := c.Scale()
	if err != nil {
		return protection.Settings{}, err
	}
	trip, err := protection.NewTripConfig(c.PTOC.ISet, time.Duration(c.PTOC.TSet)*time.Millisecond, c.PTOC.Enabled)
	if err != nil {
		return protection.Settings{}, err
	}
	return protection.Settings{
		Scale:           scale,
		Trip:            trip,
		SamplesPerCycle: c.SV.SamplesPerCycle,
		SealIn:          c.PTOC.SealIn,
	}, nil
}

// Scale builds the ADC and CT calibration.
func (c SystemConfig) Scale() (measurement.ScaleConfig, error) {
	return measurement.NewScaleConfig(c.ADC.ScaleFactor, c.ADC.Offset, c.CT.Primary, c.CT.Secondary)
}

// Identity returns the GOOSE control block addressing.
func (c SystemConfig) Identity() goose.Identity {
	return goose.Identity{
		DstMAC:  c.GOOSE.DstMAC,
		AppID:   c.GOOSE.AppID,
		GoID:    c.GOOSE.GoID,
		GoCBRef: c.GOOSE.GoCBRef,
		DatSet:  c.GOOSE.DatSet,
	}
}

// SimulatorSettings builds the waveform simulator configuration.
func (c SystemConfig) SimulatorSettings(start time.Time) (acquisition.SimulatorConfig, error) {
	scale, err := c.Scale()
	if err != nil {
		return acquisition.SimulatorConfig{}, err
	}
	segments := make([]acquisition.Segment, 0, len(c.Simulator.Segments))
	for _, seg := range c.Simulator.Segments {
		segments = append(segments, acquisition.Segment{Current: seg.Current, Duration: seg.Duration})
	}
	return acquisition.SimulatorConfig{
		Scale:      scale,
		SampleRate: c.SV.SampleRate(),
		Frequency:  c.SV.Frequency,
		Waveform:   acquisition.Waveform(c.Simulator.Waveform),
		Segments:   segments,
		Start:      start,
		Realtime:   c.Simulator.Realtime,
		Loop:       c.Simulator.Loop,
	}, nil
}

// applyEnv overlays environment variables. Every malformed value is reported;
// none silently falls back to the file or default.
func (c *SystemConfig) applyEnv() error {
	var errs []error
	c.Database.URL = getenvDefault("DATABASE_URL", c.Database.URL)
	c.HTTP.Addr = getenvDefault("HTTP_ADDR", c.HTTP.Addr)
	c.Auth.JWTSecret = getenvDefault("AUTH_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Disabled = getenvBool("AUTH_DISABLED", c.Auth.Disabled, &errs)
	c.Alarm.WebhookURL = getenvDefault("ALARM_WEBHOOK_URL", c.Alarm.WebhookURL)
	c.Alarm.StatusURL = getenvDefault("ALARM_STATUS_URL", c.Alarm.StatusURL)
	if brokers := splitCSV(os.Getenv("KAFKA_BROKERS")); len(brokers) > 0 {
		c.Kafka.Brokers = brokers
		c.GOOSE.Transport = "kafka"
	}
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
		c.SV.Source = "mqtt"
	}
	c.Log.Level = strings.ToLower(getenvDefault("LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(getenvDefault("LOG_FORMAT", c.Log.Format))
	c.Relay.Name = getenvDefault("RELAY_NAME", c.Relay.Name)
	c.Relay.Heartbeat = getenvDuration("RELAY_HEARTBEAT", c.Relay.Heartbeat, &errs)
	c.PTOC.ISet = getenvFloat("PTOC_ISET", c.PTOC.ISet, &errs)
	if len(errs) > 0 {
		return fmt.Errorf("config: env: %w", errors.Join(errs...))
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloat(key string, fallback float64, errs *[]error) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q: not a number", key, value))
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool, errs *[]error) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q: not a boolean", key, value))
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q: not a duration", key, value))
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
