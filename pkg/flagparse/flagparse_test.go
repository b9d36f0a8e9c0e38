package flagparse

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	testCases := []struct {
		input    string
		expected Command
		wantErr  bool
	}{
		{"backup", Backup, false},
		{"restore", Restore, false},
		{"cleanup", Cleanup, false},
		{"wal-check", WALCheck, false},
		{"version", Version, false},
		{"bogus", None, true},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			cmd, err := ParseCommand(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected an error for %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand(%q) returned error: %v", tc.input, err)
			}
			if cmd != tc.expected {
				t.Errorf("expected command %v, got %v", tc.expected, cmd)
			}
		})
	}
}

func TestParseBackupFlags(t *testing.T) {
	cmd, flagMap, err := Parse([]string{"backup", "-mode", "both", "-skip-s3", "-retention-days", "7"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cmd != Backup {
		t.Fatalf("expected Backup command, got %v", cmd)
	}

	if got, ok := flagMap["mode"].(string); !ok || got != "both" {
		t.Errorf("expected mode 'both' in flag map, got %v", flagMap["mode"])
	}
	if got, ok := flagMap["skip-s3"].(bool); !ok || !got {
		t.Errorf("expected skip-s3 true in flag map, got %v", flagMap["skip-s3"])
	}
	if got, ok := flagMap["retention-days"].(int); !ok || got != 7 {
		t.Errorf("expected retention-days 7 in flag map, got %v", flagMap["retention-days"])
	}
}

// Flags left at their default must not appear in the map, so they cannot
// clobber environment-derived settings.
func TestParseOmitsUnsetFlags(t *testing.T) {
	_, flagMap, err := Parse([]string{"backup"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(flagMap) != 0 {
		t.Errorf("expected empty flag map for no flags, got %v", flagMap)
	}
}

func TestParseRestoreFlags(t *testing.T) {
	cmd, flagMap, err := Parse([]string{"restore", "-backup", "last", "-db-only", "-target-time", "2026-01-02 03:04:05", "-yes"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cmd != Restore {
		t.Fatalf("expected Restore command, got %v", cmd)
	}
	if got, _ := flagMap["backup"].(string); got != "last" {
		t.Errorf("expected backup 'last', got %v", flagMap["backup"])
	}
	if got, _ := flagMap["db-only"].(bool); !got {
		t.Errorf("expected db-only true, got %v", flagMap["db-only"])
	}
	if got, _ := flagMap["target-time"].(string); got != "2026-01-02 03:04:05" {
		t.Errorf("expected the target time to be carried through, got %v", flagMap["target-time"])
	}
	if got, _ := flagMap["yes"].(bool); !got {
		t.Errorf("expected yes true, got %v", flagMap["yes"])
	}
}

func TestParseVersionHasNoFlags(t *testing.T) {
	cmd, flagMap, err := Parse([]string{"version"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cmd != Version {
		t.Fatalf("expected Version command, got %v", cmd)
	}
	if flagMap != nil {
		t.Errorf("expected nil flag map, got %v", flagMap)
	}
}

func TestParseUnknownCommand(t *testing.T) {
	_, _, err := Parse([]string{"frobnicate"})
	if err == nil {
		t.Error("expected an error for an unknown command")
	}
}
