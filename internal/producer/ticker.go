package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/framesync/internal/timeutil"
)

// TickerPulses simulates a trigger board firing at a fixed interval. The
// hardware timestamp is the clock reading at each tick.
type TickerPulses struct {
	Interval time.Duration
	Clock    timeutil.Clock
}

func (s TickerPulses) Run(ctx context.Context, emit func(hwNs int64) error) error {
	if s.Interval <= 0 {
		return fmt.Errorf("trigger interval must be positive, got %s", s.Interval)
	}
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	ticker := clock.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			if err := emit(now.UnixNano()); err != nil {
				return err
			}
		}
	}
}
