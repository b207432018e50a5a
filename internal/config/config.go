// Package config loads the framesync settings file.
//
// Every field is optional: a nil pointer means "use the built-in default",
// which the Get* methods supply. The same JSON shape is served back by
// /api/config so a running process can be inspected and its settings reused.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/framesync/internal/correlate"
	"github.com/banshee-data/framesync/internal/triggerbus"
)

// ErrInvalidConfig wraps every validation failure. It is the same sentinel
// the correlation engine uses, so callers need only one errors.Is check.
var ErrInvalidConfig = correlate.ErrInvalidConfig

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/framesync.defaults.json"

// Config is the root configuration for both the publisher and the
// frame-sync consumer.
type Config struct {
	// Correlation
	ToleranceMs   *float64 `json:"tolerance_window_ms,omitempty"`
	FuturePenalty *float64 `json:"future_penalty_factor,omitempty"`
	EvictMatched  *bool    `json:"evict_matched,omitempty"`
	MaxPending    *int     `json:"max_pending,omitempty"`

	// Output decimation
	InputFPS  *float64 `json:"input_fps,omitempty"`
	OutputFPS *float64 `json:"output_fps,omitempty"`

	// Transport
	HistoryDepth     *int    `json:"history_depth,omitempty"`
	SubscriberBuffer *int    `json:"subscriber_max_buffer_size,omitempty"`
	MaxSubscribers   *int    `json:"max_subscribers,omitempty"`
	MaxPublishers    *int    `json:"max_publishers,omitempty"`
	OverflowPolicy   *string `json:"overflow_policy,omitempty"`
	ReconnectMin     *string `json:"reconnect_min,omitempty"` // duration string like "100ms"
	ReconnectMax     *string `json:"reconnect_max,omitempty"`

	// Producer
	TriggerInterval *string `json:"trigger_interval,omitempty"` // duration string like "33ms"

	// Simulated camera
	DeliveryDelay  *string `json:"delivery_delay,omitempty"`
	DeliveryJitter *string `json:"delivery_jitter,omitempty"`
	FrameBytes     *int    `json:"frame_bytes,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Defaults returns a Config with every field populated from the built-in
// defaults, suitable for writing out as a starting point.
func Defaults() *Config {
	c := Empty()
	return &Config{
		ToleranceMs:      ptrFloat64(c.GetToleranceMs()),
		FuturePenalty:    ptrFloat64(c.GetFuturePenalty()),
		EvictMatched:     ptrBool(c.GetEvictMatched()),
		MaxPending:       ptrInt(c.GetMaxPending()),
		InputFPS:         ptrFloat64(c.GetInputFPS()),
		OutputFPS:        ptrFloat64(c.GetOutputFPS()),
		HistoryDepth:     ptrInt(c.GetHistoryDepth()),
		SubscriberBuffer: ptrInt(c.GetSubscriberBuffer()),
		MaxSubscribers:   ptrInt(c.GetMaxSubscribers()),
		MaxPublishers:    ptrInt(c.GetMaxPublishers()),
		OverflowPolicy:   ptrString(c.GetOverflowPolicy()),
		ReconnectMin:     ptrString(c.GetReconnectMin().String()),
		ReconnectMax:     ptrString(c.GetReconnectMax().String()),
		TriggerInterval:  ptrString(c.GetTriggerInterval().String()),
		DeliveryDelay:    ptrString(c.GetDeliveryDelay().String()),
		DeliveryJitter:   ptrString(c.GetDeliveryJitter().String()),
		FrameBytes:       ptrInt(c.GetFrameBytes()),
	}
}

// Load reads a Config from a JSON file and validates it. Fields omitted from
// the file keep their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("%w: config file must have .json extension, got %q", ErrInvalidConfig, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrInvalidConfig, fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config JSON: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every set field. Correlation tunables are checked through
// CorrelationConfig so the rules live in one place.
func (c *Config) Validate() error {
	if _, err := c.CorrelationConfig(); err != nil {
		return err
	}
	if _, err := c.BusOptions(); err != nil {
		return err
	}

	for name, v := range map[string]*string{
		"reconnect_min":    c.ReconnectMin,
		"reconnect_max":    c.ReconnectMax,
		"trigger_interval": c.TriggerInterval,
		"delivery_delay":   c.DeliveryDelay,
		"delivery_jitter":  c.DeliveryJitter,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("%w: invalid %s '%s': %v", ErrInvalidConfig, name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%w: %s must be non-negative, got %s", ErrInvalidConfig, name, d)
		}
	}

	if c.GetTriggerInterval() <= 0 {
		return fmt.Errorf("%w: trigger_interval must be positive, got %s", ErrInvalidConfig, c.GetTriggerInterval())
	}
	if c.GetReconnectMin() <= 0 || c.GetReconnectMax() < c.GetReconnectMin() {
		return fmt.Errorf("%w: reconnect backoff must satisfy 0 < reconnect_min <= reconnect_max, got %s..%s",
			ErrInvalidConfig, c.GetReconnectMin(), c.GetReconnectMax())
	}
	if c.FrameBytes != nil && *c.FrameBytes < 0 {
		return fmt.Errorf("%w: frame_bytes must be non-negative, got %d", ErrInvalidConfig, *c.FrameBytes)
	}
	return nil
}

// CorrelationConfig builds and validates the engine configuration, deriving
// the decimation ratio from the input and output frame rates.
func (c *Config) CorrelationConfig() (correlate.Config, error) {
	ratio, err := correlate.DecimationRatio(c.GetInputFPS(), c.GetOutputFPS())
	if err != nil {
		return correlate.Config{}, err
	}
	cc := correlate.Config{
		ToleranceMs:     c.GetToleranceMs(),
		FuturePenalty:   c.GetFuturePenalty(),
		DecimationRatio: ratio,
		EvictMatched:    c.GetEvictMatched(),
		MaxPending:      c.GetMaxPending(),
	}
	if err := cc.Validate(); err != nil {
		return correlate.Config{}, err
	}
	return cc, nil
}

// BusOptions builds normalised transport options.
func (c *Config) BusOptions() (triggerbus.Options, error) {
	policy, err := triggerbus.ParseOverflowPolicy(c.GetOverflowPolicy())
	if err != nil {
		return triggerbus.Options{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	opts, err := triggerbus.Options{
		HistoryDepth:     c.GetHistoryDepth(),
		SubscriberBuffer: c.GetSubscriberBuffer(),
		MaxSubscribers:   c.GetMaxSubscribers(),
		MaxPublishers:    c.GetMaxPublishers(),
		Overflow:         policy,
	}.Normalize()
	if err != nil {
		return triggerbus.Options{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return opts, nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetToleranceMs returns the tolerance_window_ms value or the default.
func (c *Config) GetToleranceMs() float64 {
	if c.ToleranceMs == nil {
		return correlate.DefaultToleranceMs
	}
	return *c.ToleranceMs
}

// GetFuturePenalty returns the future_penalty_factor value or the default.
func (c *Config) GetFuturePenalty() float64 {
	if c.FuturePenalty == nil {
		return correlate.DefaultFuturePenalty
	}
	return *c.FuturePenalty
}

// GetEvictMatched returns the evict_matched value or the default.
func (c *Config) GetEvictMatched() bool {
	if c.EvictMatched == nil {
		return false // matched triggers stay available to later frames
	}
	return *c.EvictMatched
}

// GetMaxPending returns the max_pending value or the default.
func (c *Config) GetMaxPending() int {
	if c.MaxPending == nil {
		return correlate.DefaultMaxPending
	}
	return *c.MaxPending
}

// GetInputFPS returns the input_fps value or the default.
func (c *Config) GetInputFPS() float64 {
	if c.InputFPS == nil {
		return 30
	}
	return *c.InputFPS
}

// GetOutputFPS returns the output_fps value or the default.
func (c *Config) GetOutputFPS() float64 {
	if c.OutputFPS == nil {
		return 30
	}
	return *c.OutputFPS
}

func (c *Config) GetHistoryDepth() int {
	if c.HistoryDepth == nil {
		return triggerbus.DefaultOptions().HistoryDepth
	}
	return *c.HistoryDepth
}

func (c *Config) GetSubscriberBuffer() int {
	if c.SubscriberBuffer == nil {
		return triggerbus.DefaultOptions().SubscriberBuffer
	}
	return *c.SubscriberBuffer
}

func (c *Config) GetMaxSubscribers() int {
	if c.MaxSubscribers == nil {
		return triggerbus.DefaultOptions().MaxSubscribers
	}
	return *c.MaxSubscribers
}

func (c *Config) GetMaxPublishers() int {
	if c.MaxPublishers == nil {
		return triggerbus.DefaultOptions().MaxPublishers
	}
	return *c.MaxPublishers
}

func (c *Config) GetOverflowPolicy() string {
	if c.OverflowPolicy == nil {
		return triggerbus.DropOldest.String()
	}
	return *c.OverflowPolicy
}

// GetReconnectMin returns the initial reconnect backoff.
func (c *Config) GetReconnectMin() time.Duration {
	return durationOr(c.ReconnectMin, 100*time.Millisecond)
}

// GetReconnectMax returns the backoff ceiling.
func (c *Config) GetReconnectMax() time.Duration {
	return durationOr(c.ReconnectMax, 5*time.Second)
}

// GetTriggerInterval returns the simulated trigger period (30 FPS).
func (c *Config) GetTriggerInterval() time.Duration {
	return durationOr(c.TriggerInterval, 33*time.Millisecond)
}

// GetDeliveryDelay returns the simulated camera delivery delay.
func (c *Config) GetDeliveryDelay() time.Duration {
	return durationOr(c.DeliveryDelay, 150*time.Millisecond)
}

// GetDeliveryJitter returns the maximum random delivery jitter.
func (c *Config) GetDeliveryJitter() time.Duration {
	return durationOr(c.DeliveryJitter, 0)
}

// GetFrameBytes returns the simulated frame payload size (640x480 RGB).
func (c *Config) GetFrameBytes() int {
	if c.FrameBytes == nil {
		return 640 * 480 * 3
	}
	return *c.FrameBytes
}

// ParseMillis parses a command-line duration. A bare number is taken as
// milliseconds ("33"), anything else must be a Go duration ("33ms", "1.5s").
func ParseMillis(s string) (time.Duration, error) {
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		if ms < 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
			return 0, fmt.Errorf("invalid duration %q: must be a non-negative number of milliseconds", s)
		}
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must be non-negative", s)
	}
	return d, nil
}

// SetDeliveryDelay overrides delivery_delay.
func (c *Config) SetDeliveryDelay(d time.Duration) { c.DeliveryDelay = ptrString(d.String()) }

// SetTriggerInterval overrides trigger_interval.
func (c *Config) SetTriggerInterval(d time.Duration) { c.TriggerInterval = ptrString(d.String()) }

// SetOutputFPS overrides output_fps.
func (c *Config) SetOutputFPS(fps float64) { c.OutputFPS = ptrFloat64(fps) }
