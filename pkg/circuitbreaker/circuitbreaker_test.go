package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("connection refused")

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *manualClock) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	b := New(cfg)
	b.now = clock.Now
	b.changedAt = clock.Now()
	return b, clock
}

func testConfig() Config {
	return Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: time.Minute, MaxRequestsHalfOpen: 1}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	assert.ErrorIs(t, b.Execute(func() error { return errDown }), errDown)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Execute(func() error { return errDown }), errDown)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	_ = b.Execute(func() error { return errDown })
	require.NoError(t, b.Execute(func() error { return nil }))
	_ = b.Execute(func() error { return errDown })

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(testConfig())
	var transitions []string
	b.OnStateChange(func(from, to State) { transitions = append(transitions, from.String()+"->"+to.String()) })

	_ = b.Execute(func() error { return errDown })
	_ = b.Execute(func() error { return errDown })
	clock.Advance(time.Minute)

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(testConfig())
	_ = b.Execute(func() error { return errDown })
	_ = b.Execute(func() error { return errDown })
	clock.Advance(time.Minute)

	assert.ErrorIs(t, b.Execute(func() error { return errDown }), errDown)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(func() error { return nil }), ErrOpen)
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	b, clock := newTestBreaker(testConfig())
	_ = b.Execute(func() error { return errDown })
	_ = b.Execute(func() error { return errDown })
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, b.Execute(func() error { return nil }), ErrOpen)
	close(release)
	wg.Wait()
}

func TestDo(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	got, err := Do(b, func() (string, error) { return "org.mpris.MediaPlayer2.vlc", nil })
	require.NoError(t, err)
	assert.Equal(t, "org.mpris.MediaPlayer2.vlc", got)

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
