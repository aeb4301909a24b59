// Package breaker isolates failing dependencies behind a three-state
// circuit: closed (calls pass, outcomes recorded in a rolling window),
// open (calls short-circuit until a cooldown elapses), half-open (a
// bounded number of probes decide between closing and re-opening with an
// exponentially increased cooldown).
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/fundcast/engine/pkg/exchange/types"
)

type State int8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	default:
		return "half-open"
	}
}

type outcome int8

const (
	outSuccess outcome = iota
	outFailure
	outSlow
	outTimeout
)

type Config struct {
	// WindowSize is the number of recent call outcomes evaluated.
	WindowSize int
	// FailureThreshold and SlowThreshold are ratios in (0, 1].
	FailureThreshold float64
	SlowThreshold    float64
	// SlowCall marks a successful call slower than this as slow.
	SlowCall time.Duration
	// MinSamples gates evaluation until the window has enough calls.
	MinSamples int
	Cooldown    time.Duration
	MaxCooldown time.Duration
	// HalfOpenProbes calls are allowed through concurrently when probing.
	HalfOpenProbes int
	// CallTimeout bounds each underlying call; exceeding it counts as a
	// failure in the window. Zero disables the bound.
	CallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		WindowSize:       100,
		FailureThreshold: 0.5,
		SlowThreshold:    0.8,
		SlowCall:         time.Second,
		MinSamples:       10,
		Cooldown:         5 * time.Second,
		MaxCooldown:      2 * time.Minute,
		HalfOpenProbes:   3,
		CallTimeout:      10 * time.Second,
	}
}

type Breaker struct {
	name  string
	cfg   Config
	clock clock.Clock
	log   *zap.Logger

	mu          sync.Mutex
	state       State
	window      []outcome // ring buffer of the last WindowSize outcomes
	head, count int
	nextAttempt time.Time
	cooldown    time.Duration
	probesBusy  int
	probesGood  int

	onTransition func(name string, from, to State)
}

func New(name string, cfg Config, clk clock.Clock, log *zap.Logger) *Breaker {
	if clk == nil {
		clk = clock.New()
	}
	return &Breaker{
		name:     name,
		cfg:      cfg,
		clock:    clk,
		log:      log,
		window:   make([]outcome, cfg.WindowSize),
		cooldown: cfg.Cooldown,
	}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn through the circuit. When the circuit is open the call
// short-circuits with ErrCircuitOpen and fn is never invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	start := b.clock.Now()
	err := fn(callCtx)
	b.record(err, b.clock.Now().Sub(start))
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.clock.Now().Before(b.nextAttempt) {
			return fmt.Errorf("%w: %s until %s", types.ErrCircuitOpen, b.name, b.nextAttempt.Format(time.RFC3339))
		}
		b.transition(HalfOpen)
		b.probesBusy, b.probesGood = 0, 0
		fallthrough
	default: // HalfOpen
		if b.probesBusy >= b.cfg.HalfOpenProbes {
			return fmt.Errorf("%w: %s probing", types.ErrCircuitOpen, b.name)
		}
		b.probesBusy++
		return nil
	}
}

func (b *Breaker) record(err error, latency time.Duration) {
	out := outSuccess
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out = outTimeout
	case err != nil:
		out = outFailure
	case b.cfg.SlowCall > 0 && latency > b.cfg.SlowCall:
		out = outSlow
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.probesBusy--
		if out == outFailure || out == outTimeout {
			// Any probe failure re-opens with a longer cooldown.
			b.cooldown = minDur(b.cooldown*2, b.cfg.MaxCooldown)
			b.trip()
			return
		}
		b.probesGood++
		if b.probesGood >= b.cfg.HalfOpenProbes {
			b.transition(Closed)
			b.resetWindow()
			b.cooldown = b.cfg.Cooldown
		}
		return
	}

	if b.state == Open {
		return
	}

	b.push(out)
	if b.count < b.cfg.MinSamples {
		return
	}
	failures, slow := 0, 0
	for i := 0; i < b.count; i++ {
		switch b.window[i] {
		case outFailure, outTimeout:
			failures++
		case outSlow:
			slow++
		}
	}
	n := float64(b.count)
	if float64(failures)/n > b.cfg.FailureThreshold || float64(slow)/n > b.cfg.SlowThreshold {
		b.trip()
	}
}

// trip moves to open and stamps the next probe time. Caller holds the lock.
func (b *Breaker) trip() {
	b.transition(Open)
	b.nextAttempt = b.clock.Now().Add(b.cooldown)
	b.log.Warn("circuit opened",
		zap.String("breaker", b.name),
		zap.Duration("cooldown", b.cooldown))
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}

func (b *Breaker) push(out outcome) {
	b.window[b.head] = out
	b.head = (b.head + 1) % len(b.window)
	if b.count < len(b.window) {
		b.count++
	}
}

func (b *Breaker) resetWindow() {
	b.head, b.count = 0, 0
}

func minDur(a, b time.Duration) time.Duration {
	if b > 0 && a > b {
		return b
	}
	return a
}
