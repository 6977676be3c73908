package services

import "time"

// PositionEstimator interpolates the playback cursor from the last known
// position, the time it was taken and the rate in effect at that time.
// Positions are in milliseconds.
type PositionEstimator struct {
	lastPosition int64
	checkpoint   time.Time
	rate         float64
}

func NewPositionEstimator(now time.Time) *PositionEstimator {
	return &PositionEstimator{checkpoint: now, rate: 1}
}

// Position returns the interpolated position while playing, the checkpoint
// otherwise.
func (e *PositionEstimator) Position(now time.Time, playing bool) int64 {
	if !playing {
		return e.lastPosition
	}
	elapsed := now.Sub(e.checkpoint)
	if elapsed < 0 {
		elapsed = 0
	}
	pos := e.lastPosition + int64(float64(elapsed.Milliseconds())*e.rate)
	if pos < 0 {
		return 0
	}
	return pos
}

// Checkpoint records a position observed at now.
func (e *PositionEstimator) Checkpoint(position int64, now time.Time, rate float64) {
	if position < 0 {
		position = 0
	}
	e.lastPosition = position
	e.checkpoint = now
	e.rate = rate
}

// Fold turns the time played since the checkpoint into a new checkpoint.
func (e *PositionEstimator) Fold(now time.Time) {
	e.Checkpoint(e.Position(now, true), now, e.rate)
}

// Restart keeps the position but starts measuring from now at rate.
func (e *PositionEstimator) Restart(now time.Time, rate float64) {
	e.Checkpoint(e.lastPosition, now, rate)
}

// Stale reports whether the checkpoint is older than interval.
func (e *PositionEstimator) Stale(now time.Time, interval time.Duration) bool {
	return now.Sub(e.checkpoint) > interval
}
