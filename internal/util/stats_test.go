package util

import "testing"

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{5 * 1024 * 1024, " 5.0 MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatsCounters(t *testing.T) {
	before := Stats.SamplesSent.Load()
	beforeBytes := Stats.BytesRecv.Load()

	Stats.AddSent(120)
	Stats.AddRecv(1200)

	if got := Stats.SamplesSent.Load() - before; got != 1 {
		t.Errorf("samples sent delta = %d, want 1", got)
	}
	if got := Stats.BytesRecv.Load() - beforeBytes; got != 1200 {
		t.Errorf("bytes received delta = %d, want 1200", got)
	}
}

func TestFormatStats(t *testing.T) {
	got := formatStats(2048, 100, 12)
	want := "Media in:  2.0 KiB/s | out:  0.1 KiB/s | 12 packets received"
	if got != want {
		t.Fatalf("formatStats = %q, want %q", got, want)
	}
}
