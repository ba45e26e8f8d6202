package timesource

import "testing"

func TestNowBeforeSyncReturnsUptime(t *testing.T) {
	ms := int64(0)
	s := NewWithClock(nil, func() int64 { return ms })

	ms = 12_345_000
	if got := s.Now(); got != 12345 {
		t.Errorf("Now() = %d, want 12345", got)
	}
	if s.Synced() {
		t.Error("Synced() = true before SetEpoch")
	}
}

func TestSetEpochAnchorsWallClock(t *testing.T) {
	ms := int64(10_000) // 10s uptime
	s := NewWithClock(nil, func() int64 { return ms })

	s.SetEpoch(1_700_000_000)
	if !s.Synced() {
		t.Fatal("expected Synced() true after SetEpoch")
	}
	if got := s.Now(); got != 1_700_000_000 {
		t.Errorf("Now() immediately after SetEpoch = %d, want 1700000000", got)
	}

	ms += 5_000 // 5 more seconds of uptime elapse
	if got := s.Now(); got != 1_700_000_005 {
		t.Errorf("Now() after 5s elapsed = %d, want 1700000005", got)
	}
}

func TestSetEpochAcceptsBackwardMove(t *testing.T) {
	ms := int64(0)
	s := NewWithClock(nil, func() int64 { return ms })

	s.SetEpoch(1_700_000_100)
	s.SetEpoch(1_700_000_000) // moves backward; should not error or panic
	if got := s.Now(); got != 1_700_000_000 {
		t.Errorf("Now() after backward re-anchor = %d, want 1700000000", got)
	}
}

func TestUptimeIgnoresSyncState(t *testing.T) {
	ms := int64(7_000)
	s := NewWithClock(nil, func() int64 { return ms })
	s.SetEpoch(1_700_000_000)
	if got := s.Uptime(); got != 7 {
		t.Errorf("Uptime() = %d, want 7", got)
	}
}
