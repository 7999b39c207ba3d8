package outbound

import (
	"testing"
	"time"
)

func TestParseWindow(t *testing.T) {
	loc := time.FixedZone("+07:00", 7*3600)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		start     string
		end       string
		wantStart time.Time
		wantEnd   time.Time
		wantErr   bool
	}{
		{
			name:    "defaults",
			wantEnd: now,
		},
		{
			name:    "last and now",
			start:   "last",
			end:     "NOW",
			wantEnd: now,
		},
		{
			name:      "plain timestamps in location",
			start:     "2026-03-01 00:00:00",
			end:       "2026-03-02 12:30:00",
			wantStart: time.Date(2026, 3, 1, 0, 0, 0, 0, loc),
			wantEnd:   time.Date(2026, 3, 2, 12, 30, 0, 0, loc),
		},
		{
			name:      "date only",
			start:     "2026-03-01",
			wantStart: time.Date(2026, 3, 1, 0, 0, 0, 0, loc),
			wantEnd:   now,
		},
		{
			name:      "rfc3339",
			start:     "2026-03-01T00:00:00Z",
			end:       "now",
			wantStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   now,
		},
		{
			name:    "garbage",
			start:   "yesterday",
			wantErr: true,
		},
		{
			name:    "start after end",
			start:   "2026-03-05 00:00:00",
			end:     "2026-03-01 00:00:00",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ParseWindow(tt.start, tt.end, now, loc)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseWindow(%q, %q) expected error", tt.start, tt.end)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWindow(%q, %q) error = %v", tt.start, tt.end, err)
			}
			if !w.Start.Equal(tt.wantStart) {
				t.Errorf("Start = %v, want %v", w.Start, tt.wantStart)
			}
			if !w.End.Equal(tt.wantEnd) {
				t.Errorf("End = %v, want %v", w.End, tt.wantEnd)
			}
			if w.FromWatermark() != tt.wantStart.IsZero() {
				t.Errorf("FromWatermark() = %v", w.FromWatermark())
			}
		})
	}
}

func TestLocation(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		tz         string
		wantOffset int
	}{
		{"+07:00", 7 * 3600},
		{"+0700", 7 * 3600},
		{"-03:30", -(3*3600 + 30*60)},
		{"UTC", 0},
		{"", 0},
		{"Not/AZone", 0},
	}

	for _, tt := range tests {
		t.Run(tt.tz, func(t *testing.T) {
			_, offset := at.In(Location(tt.tz)).Zone()
			if offset != tt.wantOffset {
				t.Errorf("Location(%q) offset = %d, want %d", tt.tz, offset, tt.wantOffset)
			}
		})
	}
}
