package graph

import "testing"

func TestJobStateTerminal(t *testing.T) {
	terminal := []JobState{Succeeded, Failed, UpstreamFailed, NotNeeded}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	pending := []JobState{Undetermined, Blocked, ReadyToRun, Running}
	for _, s := range pending {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestJobStateStrings(t *testing.T) {
	cases := map[JobState]string{
		Undetermined:   "Undetermined",
		Blocked:        "Blocked",
		ReadyToRun:     "ReadyToRun",
		Running:        "Running",
		Succeeded:      "Succeeded",
		Failed:         "Failed",
		UpstreamFailed: "UpstreamFailed",
		NotNeeded:      "NotNeeded",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestJobKindStrings(t *testing.T) {
	cases := map[JobKind]string{
		Output:    "Output",
		Ephemeral: "Ephemeral",
		Always:    "Always",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
