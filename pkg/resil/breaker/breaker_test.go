package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fundcast/engine/pkg/exchange/types"
)

var errBackend = errors.New("backend down")

func testConfig() Config {
	return Config{
		WindowSize:       10,
		FailureThreshold: 0.5,
		SlowThreshold:    0.8,
		SlowCall:         time.Second,
		MinSamples:       5,
		Cooldown:         time.Second,
		MaxCooldown:      8 * time.Second,
		HalfOpenProbes:   1,
	}
}

func fail(ctx context.Context) error    { return errBackend }
func succeed(ctx context.Context) error { return nil }

// Trip and recovery: five failures open the circuit, the next call
// short-circuits, and after the cooldown a single successful probe closes
// it with a reset window.
func TestTripAndRecovery(t *testing.T) {
	clk := clock.NewMock()
	b := New("payments", testConfig(), clk, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	}
	assert.Equal(t, Open, b.State())

	// Short-circuit: the underlying function is never invoked.
	called := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, types.ErrCircuitOpen)
	assert.False(t, called)

	// After the cooldown the next call probes and closes the circuit.
	clk.Add(time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, Closed, b.State())

	// The window was reset: five fresh samples are needed to trip again.
	for i := 0; i < 4; i++ {
		b.Execute(ctx, fail)
	}
	assert.Equal(t, Closed, b.State())
	b.Execute(ctx, fail)
	assert.Equal(t, Open, b.State())
}

func TestStaysClosedBelowMinSamples(t *testing.T) {
	clk := clock.NewMock()
	b := New("payments", testConfig(), clk, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.Execute(ctx, fail)
	}
	assert.Equal(t, Closed, b.State(), "four samples are below min-samples")
}

func TestFailureRateBelowThresholdKeepsClosed(t *testing.T) {
	clk := clock.NewMock()
	b := New("payments", testConfig(), clk, zap.NewNop())
	ctx := context.Background()

	// 3 failures over 10 calls = 30% < 50%
	for i := 0; i < 7; i++ {
		b.Execute(ctx, succeed)
	}
	for i := 0; i < 3; i++ {
		b.Execute(ctx, fail)
	}
	assert.Equal(t, Closed, b.State())
}

// A failed probe re-opens the circuit with an exponentially longer
// cooldown, capped at max-cooldown.
func TestProbeFailureBacksOff(t *testing.T) {
	clk := clock.NewMock()
	b := New("payments", testConfig(), clk, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Execute(ctx, fail)
	}
	require.Equal(t, Open, b.State())

	// First probe fails: cooldown doubles to 2s.
	clk.Add(time.Second)
	assert.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	assert.Equal(t, Open, b.State())

	clk.Add(time.Second)
	assert.ErrorIs(t, b.Execute(ctx, succeed), types.ErrCircuitOpen, "still cooling down")

	clk.Add(time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, Closed, b.State())
}

func TestSlowCallsTrip(t *testing.T) {
	clk := clock.NewMock()
	cfg := testConfig()
	cfg.SlowThreshold = 0.5
	b := New("search", cfg, clk, zap.NewNop())
	ctx := context.Background()

	slow := func(ctx context.Context) error {
		clk.Add(2 * time.Second) // beyond the slow-call threshold
		return nil
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Execute(ctx, slow))
	}
	assert.Equal(t, Open, b.State(), "slow-rate above threshold opens the circuit")
}

func TestHalfOpenBoundsProbes(t *testing.T) {
	clk := clock.NewMock()
	cfg := testConfig()
	cfg.HalfOpenProbes = 2
	b := New("payments", cfg, clk, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Execute(ctx, fail)
	}
	clk.Add(time.Second)

	// Hold two probe slots open concurrently; a third caller is refused.
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- b.Execute(ctx, func(ctx context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started
	assert.ErrorIs(t, b.Execute(ctx, succeed), types.ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, Closed, b.State(), "all probes succeeded")
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(testConfig(), clock.NewMock(), zap.NewNop(), nil)
	b1 := r.Get("payments")
	b2 := r.Get("payments")
	assert.Same(t, b1, b2)
	assert.NotSame(t, b1, r.Get("kyc"))
}
