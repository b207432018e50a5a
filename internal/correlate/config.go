package correlate

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid correlation config")

const (
	DefaultToleranceMs   = 500.0
	DefaultFuturePenalty = 2.0
	DefaultMaxPending    = 100
)

// Config holds the correlation tunables. It is validated once at startup and
// never changed afterwards.
type Config struct {
	// ToleranceMs is the exclusive upper bound on |delivery - hardware| for a
	// trigger to be a candidate.
	ToleranceMs float64 `json:"tolerance_window_ms"`

	// FuturePenalty multiplies the distance of triggers that lie after the
	// delivery time. Values below 1 would favour future triggers.
	FuturePenalty float64 `json:"future_penalty_factor"`

	// DecimationRatio forwards one frame in every DecimationRatio.
	DecimationRatio uint32 `json:"output_decimation_ratio"`

	// EvictMatched also removes the matched trigger during cleanup. Off by
	// default so a later frame can still claim it.
	EvictMatched bool `json:"evict_matched"`

	// MaxPending caps the queue; the oldest entry is dropped on overflow.
	// Zero disables the cap.
	MaxPending int `json:"max_pending"`
}

// DefaultConfig returns the stock tunables with no decimation.
func DefaultConfig() Config {
	return Config{
		ToleranceMs:     DefaultToleranceMs,
		FuturePenalty:   DefaultFuturePenalty,
		DecimationRatio: 1,
		MaxPending:      DefaultMaxPending,
	}
}

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	if math.IsNaN(c.ToleranceMs) || c.ToleranceMs <= 0 {
		return fmt.Errorf("%w: tolerance_window_ms must be > 0, got %v", ErrInvalidConfig, c.ToleranceMs)
	}
	if math.IsNaN(c.FuturePenalty) || c.FuturePenalty < 1.0 {
		return fmt.Errorf("%w: future_penalty_factor must be >= 1.0, got %v", ErrInvalidConfig, c.FuturePenalty)
	}
	if c.DecimationRatio < 1 {
		return fmt.Errorf("%w: output_decimation_ratio must be >= 1, got %d", ErrInvalidConfig, c.DecimationRatio)
	}
	if c.MaxPending < 0 {
		return fmt.Errorf("%w: max_pending must be >= 0, got %d", ErrInvalidConfig, c.MaxPending)
	}
	return nil
}

// DecimationRatio computes round(inputRate/outputRate), clamped to at least 1.
// An output rate at or above the input rate disables decimation.
func DecimationRatio(inputRate, outputRate float64) (uint32, error) {
	if inputRate <= 0 || math.IsNaN(inputRate) {
		return 0, fmt.Errorf("%w: input rate must be > 0, got %v", ErrInvalidConfig, inputRate)
	}
	if outputRate <= 0 || math.IsNaN(outputRate) {
		return 0, fmt.Errorf("%w: output rate must be > 0, got %v", ErrInvalidConfig, outputRate)
	}
	if outputRate >= inputRate {
		return 1, nil
	}
	n := math.Round(inputRate / outputRate)
	if n < 1 {
		n = 1
	}
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("%w: decimation ratio %v/%v exceeds %d", ErrInvalidConfig, inputRate, outputRate, uint32(math.MaxUint32))
	}
	return uint32(n), nil
}
