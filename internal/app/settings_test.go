package app

import (
	"context"
	"errors"
	"testing"

	"github.com/openrelay/signaling/internal/core"
)

func TestUpdateTransportSettings(t *testing.T) {
	reg, eng := newTestRegistry()
	reg.AddClient("a")
	tid := mustCreateConnected(t, reg, "a")

	tests := []struct {
		name    string
		id      string
		bitrate int
		wantErr error
	}{
		{"below minimum", string(tid), 99_999, core.ErrValidation},
		{"above maximum", string(tid), 5_000_001, core.ErrValidation},
		{"at minimum", string(tid), 100_000, nil},
		{"valid mid-range", string(tid), 1_000_000, nil},
		{"at maximum", string(tid), 5_000_000, nil},
		{"unknown id, valid value", "00000000-0000-0000-0000-000000000000", 1_000_000, core.ErrNotFound},
		{"unknown id, invalid value", "00000000-0000-0000-0000-000000000000", 1, core.ErrNotFound},
		{"injection attempt", "<script>alert(1)</script>", 1_000_000, core.ErrValidation},
		{"empty id", "", 1_000_000, core.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.UpdateTransportSettings(tt.id, tt.bitrate)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got := eng.Created()[0].MaxBitrate(); got != tt.bitrate {
					t.Fatalf("facade received %d, want %d", got, tt.bitrate)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSettingsDoNotTouchLifecycleState(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.AddClient("a")
	tid := mustCreateConnected(t, reg, "a")

	if err := reg.UpdateTransportSettings(string(tid), 1_500_000); err != nil {
		t.Fatalf("UpdateTransportSettings: %v", err)
	}
	// Still connected and usable.
	if _, err := reg.Produce(context.Background(), "a", tid, "audio", testRTPParams); err != nil {
		t.Fatalf("produce after settings update: %v", err)
	}
}
