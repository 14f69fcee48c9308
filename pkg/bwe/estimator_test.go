package bwe

import (
	"math/rand"
	"testing"
	"time"
)

func TestIncreaseUnderZeroLoss(t *testing.T) {
	e := NewEstimator(Config{InitialRate: 300_000, MaxRate: 1_000_000})
	prev := e.Rate()
	for i := 0; i < 5; i++ {
		e.OnReceiverReport(0)
		if e.State() != StateIncrease {
			t.Fatalf("expected Increase, got %s", e.State())
		}
		if e.Rate() <= prev {
			t.Fatalf("rate did not grow: %d -> %d", prev, e.Rate())
		}
		prev = e.Rate()
	}
}

func TestDecreaseUnderHeavyLoss(t *testing.T) {
	e := NewEstimator(Config{InitialRate: 300_000})
	e.OnReceiverReport(128) // 50% loss
	if e.State() != StateDecrease {
		t.Fatalf("expected Decrease, got %s", e.State())
	}
	if e.Rate() >= 300_000 {
		t.Fatalf("rate did not back off: %d", e.Rate())
	}
}

func TestHoldBetweenThresholds(t *testing.T) {
	e := NewEstimator(Config{InitialRate: 300_000})
	e.OnReceiverReport(13) // ~5% loss, between 2% and 10%
	if e.State() != StateHold {
		t.Fatalf("expected Hold, got %s", e.State())
	}
	if e.Rate() != 300_000 {
		t.Fatalf("rate changed during hold: %d", e.Rate())
	}
}

func TestDelayGradientTriggersDecrease(t *testing.T) {
	e := NewEstimator(Config{InitialRate: 300_000})
	// Receive spacing persistently 10ms wider than send spacing.
	for i := 0; i < 16; i++ {
		e.OnPacketTiming(20*time.Millisecond, 30*time.Millisecond)
	}
	e.OnReceiverReport(0)
	if e.State() != StateDecrease {
		t.Fatalf("expected Decrease on rising delay, got %s", e.State())
	}
}

func TestDelaySignalConsumedAfterBackoff(t *testing.T) {
	e := NewEstimator(Config{InitialRate: 300_000})
	for i := 0; i < 16; i++ {
		e.OnPacketTiming(20*time.Millisecond, 30*time.Millisecond)
	}
	e.OnReceiverReport(0)
	// With the gradient reset and no loss the next report may grow again.
	e.OnReceiverReport(0)
	if e.State() != StateIncrease {
		t.Fatalf("expected Increase after signal consumed, got %s", e.State())
	}
}

func TestBoundsUnderArbitraryFeedback(t *testing.T) {
	cfg := Config{InitialRate: 300_000, MinRate: 50_000, MaxRate: 800_000}
	e := NewEstimator(cfg)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10_000; i++ {
		if rng.Intn(3) == 0 {
			send := time.Duration(rng.Intn(40)) * time.Millisecond
			recv := time.Duration(rng.Intn(40)) * time.Millisecond
			e.OnPacketTiming(send, recv)
		}
		e.OnReceiverReport(uint8(rng.Intn(256)))
		if r := e.Rate(); r < cfg.MinRate || r > cfg.MaxRate {
			t.Fatalf("rate %d escaped [%d, %d] at step %d", r, cfg.MinRate, cfg.MaxRate, i)
		}
	}
}

func TestCeilingCap(t *testing.T) {
	e := NewEstimator(Config{InitialRate: 700_000, MaxRate: 800_000})
	for i := 0; i < 50; i++ {
		e.OnReceiverReport(0)
	}
	if e.Rate() != 800_000 {
		t.Fatalf("expected ceiling 800000, got %d", e.Rate())
	}
}

func TestFloorCap(t *testing.T) {
	e := NewEstimator(Config{InitialRate: 100_000, MinRate: 50_000})
	for i := 0; i < 50; i++ {
		e.OnReceiverReport(255)
	}
	if e.Rate() != 50_000 {
		t.Fatalf("expected floor 50000, got %d", e.Rate())
	}
}
