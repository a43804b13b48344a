package db

import (
	"testing"
	"time"
)

func TestPoolSettingsDefaults(t *testing.T) {
	s := PoolSettings{}.withDefaults()
	if s.MaxConns != 16 {
		t.Errorf("max conns = %d, want 16", s.MaxConns)
	}
	if s.MinConns != 0 {
		t.Errorf("min conns = %d, want 0", s.MinConns)
	}
	if s.MaxConnLifetime != 30*time.Minute {
		t.Errorf("lifetime = %v, want 30m", s.MaxConnLifetime)
	}
	if s.MaxConnIdleTime != 5*time.Minute {
		t.Errorf("idle = %v, want 5m", s.MaxConnIdleTime)
	}
}

func TestPoolSettingsExplicitValuesKept(t *testing.T) {
	s := PoolSettings{
		MaxConns:        40,
		MinConns:        4,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 10 * time.Minute,
	}.withDefaults()
	if s.MaxConns != 40 || s.MinConns != 4 {
		t.Errorf("conns = %d/%d, want 40/4", s.MaxConns, s.MinConns)
	}
	if s.MaxConnLifetime != time.Hour || s.MaxConnIdleTime != 10*time.Minute {
		t.Errorf("durations = %v/%v", s.MaxConnLifetime, s.MaxConnIdleTime)
	}
}

func TestPoolSettingsMinCappedByMax(t *testing.T) {
	s := PoolSettings{MaxConns: 2, MinConns: 8}.withDefaults()
	if s.MinConns != 0 {
		t.Errorf("min conns above max must reset, got %d", s.MinConns)
	}
}
