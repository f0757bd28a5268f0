package models

import "testing"

func TestCompareMentionIDs(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"5", "6", -1},
		{"6", "5", 1},
		{"10", "9", 1},
		{"1234567890123456789", "1234567890123456788", 1},
		{"1934567890123456789", "999999999999999999", 1},
		{"", "1", -1},
		{"", "", 0},
		{"007", "7", 0},
	}
	for _, tt := range tests {
		if got := CompareMentionIDs(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareMentionIDs(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMaxMentionID(t *testing.T) {
	if got := MaxMentionID("9", "10"); got != "10" {
		t.Errorf("MaxMentionID(9, 10) = %q, want 10", got)
	}
	if got := MaxMentionID("", "3"); got != "3" {
		t.Errorf("MaxMentionID('', 3) = %q, want 3", got)
	}
}

func TestMentionStatusTerminal(t *testing.T) {
	if MentionStatusProcessing.IsTerminal() {
		t.Error("processing must not be terminal")
	}
	if !MentionStatusCompleted.IsTerminal() || !MentionStatusFailed.IsTerminal() {
		t.Error("completed and failed must be terminal")
	}
	if MentionStatus("queued").IsValid() {
		t.Error("unknown status reported as valid")
	}
}

func TestMentionRecordValidate(t *testing.T) {
	if err := NewClaim("", "alice", "hi").Validate(); err != ErrEmptyMentionID {
		t.Errorf("expected ErrEmptyMentionID, got %v", err)
	}
	r := NewClaim("42", "alice", "hi")
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != MentionStatusProcessing || r.ImagePath != nil {
		t.Errorf("claim should be processing with no path, got %+v", r)
	}
	r.Status = "done"
	if err := r.Validate(); err != ErrInvalidStatus {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestOutcomeStatus(t *testing.T) {
	p := "/out/5.png"
	if OutcomeStatus(&p) != MentionStatusCompleted {
		t.Error("path should map to completed")
	}
	if OutcomeStatus(nil) != MentionStatusFailed {
		t.Error("nil path should map to failed")
	}
}
