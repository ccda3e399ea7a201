package models

import (
	"testing"
	"time"
)

func TestRecomputeTotality(t *testing.T) {
	flags := []Flag{
		FlagScanning, FlagMetadata, FlagRenaming, FlagChecking, FlagActivating,
		FlagDownloading, FlagSlicing, FlagReady, FlagError, FlagViewing,
	}
	now := time.Now()

	// every combination of the real flags
	for mask := 0; mask < 1<<len(flags); mask++ {
		var f SeriesStatusFlags
		for i, flag := range flags {
			if mask&(1<<i) != 0 {
				f.Set(flag, true, now)
			}
		}
		f.Recompute()

		if f.Status == "" {
			t.Fatalf("mask %b: empty status", mask)
		}
		if f.IsWaiting != (mask == 0) {
			t.Fatalf("mask %b: IsWaiting = %v", mask, f.IsWaiting)
		}
		if (f.Status == string(FlagWaiting)) != (mask == 0) {
			t.Fatalf("mask %b: status = %s", mask, f.Status)
		}
	}
}

func TestRecomputePriority(t *testing.T) {
	tests := []struct {
		name string
		set  []Flag
		want string
	}{
		{"error wins", []Flag{FlagReady, FlagError, FlagScanning}, "error"},
		{"checking over slicing", []Flag{FlagSlicing, FlagChecking}, "checking"},
		{"metadata over downloading", []Flag{FlagDownloading, FlagMetadata}, "metadata"},
		{"ready over viewing", []Flag{FlagViewing, FlagReady}, "ready"},
		{"viewing alone", []Flag{FlagViewing}, "viewing"},
		{"stale waiting cleared", []Flag{FlagWaiting, FlagRenaming}, "renaming"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f SeriesStatusFlags
			for _, flag := range tt.set {
				f.Set(flag, true, time.Now())
			}
			f.Recompute()
			if f.Status != tt.want {
				t.Errorf("Status = %s, want %s", f.Status, tt.want)
			}
		})
	}
}
