package association

import (
	"errors"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	all := []Status{StatusInitiated, StatusAssociated, StatusDisassociated, StatusFailed, StatusSuspended}
	allowed := map[Status][]Status{
		StatusInitiated:  {StatusAssociated, StatusFailed},
		StatusAssociated: {StatusDisassociated, StatusSuspended},
		StatusSuspended:  {StatusAssociated, StatusDisassociated},
	}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, next := range allowed[from] {
				if next == to {
					want = true
				}
			}
			if got := from.CanTransitionTo(to); got != want {
				t.Fatalf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status   Status
		active   bool
		terminal bool
	}{
		{StatusInitiated, true, false},
		{StatusAssociated, true, false},
		{StatusSuspended, false, false},
		{StatusDisassociated, false, true},
		{StatusFailed, false, true},
	}
	for _, tc := range cases {
		if tc.status.IsActive() != tc.active {
			t.Fatalf("%s active: expected %v", tc.status, tc.active)
		}
		if tc.status.IsTerminal() != tc.terminal {
			t.Fatalf("%s terminal: expected %v", tc.status, tc.terminal)
		}
	}
}

func TestTransitionTo_Disassociate(t *testing.T) {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	a := Association{ID: 1, UserID: "u1", SerialNumber: "SN1", Status: StatusAssociated}
	if err := a.TransitionTo(StatusDisassociated, "ops", at); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if a.DisassociatedBy != "ops" || a.DisassociatedOn == nil || !a.DisassociatedOn.Equal(at) {
		t.Fatalf("missing disassociation metadata: %+v", a)
	}
	if a.EndTimestamp == nil || a.ModifiedBy != "ops" {
		t.Fatalf("missing end metadata: %+v", a)
	}
}

func TestTransitionTo_RejectedLeavesUnchanged(t *testing.T) {
	a := Association{ID: 1, UserID: "u1", SerialNumber: "SN1", Status: StatusDisassociated, ModifiedBy: "x"}
	err := a.TransitionTo(StatusAssociated, "ops", time.Now())
	if !errors.Is(err, ErrInvalidStatusChange) {
		t.Fatalf("expected ErrInvalidStatusChange, got %v", err)
	}
	if a.Status != StatusDisassociated || a.ModifiedBy != "x" {
		t.Fatalf("association changed: %+v", a)
	}
}
