package ntfstime

import (
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	want := time.Date(2024, 3, 15, 12, 30, 0, 0, time.UTC)
	nt := FromTime(want)
	got := nt.Time()
	if !got.Equal(want) {
		t.Fatalf("round trip = %v, want %v", got, want)
	}
}

func TestEpoch(t *testing.T) {
	// The NTFS epoch itself (1601-01-01) encodes as zero.
	epoch := time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)
	if FromTime(epoch) != 0 {
		t.Fatalf("FromTime(epoch) = %d, want 0", FromTime(epoch))
	}
}
