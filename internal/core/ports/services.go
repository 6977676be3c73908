package ports

import (
	"time"

	"mprisctl/internal/core/domain"
)

// Dispatcher serialises work onto the single execution context.
type Dispatcher interface {
	Post(fn func())
}

// Timer is a cancellable scheduled callback.
type Timer = interface{ Stop() }

// Scheduler runs callbacks on the dispatcher after a delay.
type Scheduler interface {
	Dispatcher
	AfterFunc(d time.Duration, fn func()) Timer
	Every(d time.Duration, fn func()) Timer
}

type Metrics interface {
	SetPeers(state domain.PeerState, count int)
	IncActiveSwitches(reason string)
	ObserveRoundTrip(method string, d time.Duration, err error)
	IncPositionResyncs(reason string)
	IncRejectedCommands(command string, reason error)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) SetPeers(domain.PeerState, int)                {}
func (NopMetrics) IncActiveSwitches(string)                      {}
func (NopMetrics) ObserveRoundTrip(string, time.Duration, error) {}
func (NopMetrics) IncPositionResyncs(string)                     {}
func (NopMetrics) IncRejectedCommands(string, error)             {}
