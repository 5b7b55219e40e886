package store

import "testing"

func TestStatusTransitionsForwardOnly(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRinging, true},
		{StatusPending, StatusAccepted, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusMissed, true},
		{StatusRinging, StatusAccepted, true},
		{StatusRinging, StatusRejected, true},
		{StatusAccepted, StatusEnded, true},

		// No backward or lateral moves.
		{StatusAccepted, StatusPending, false},
		{StatusAccepted, StatusRinging, false},
		{StatusAccepted, StatusRejected, false},
		{StatusRinging, StatusRinging, false},
		{StatusPending, StatusPending, false},
	}

	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("CanTransition(%s → %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminalStatusesAdmitNothing(t *testing.T) {
	terminals := []Status{StatusRejected, StatusEnded, StatusMissed}
	all := []Status{StatusPending, StatusRinging, StatusAccepted, StatusRejected, StatusEnded, StatusMissed}

	for _, from := range terminals {
		if !from.Terminal() {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range all {
			if from.CanTransition(to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}

	for _, s := range []Status{StatusPending, StatusRinging, StatusAccepted} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
