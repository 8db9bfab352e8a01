package domain

import "testing"

func TestPointerStatus_Terminal(t *testing.T) {
	terminal := map[PointerStatus]bool{
		PointerFinished: true,
		PointerMissing:  true,
	}
	all := []PointerStatus{
		PointerCreated, PointerBeingTransferred, PointerTransferred,
		PointerFinished, PointerError, PointerErrorReported,
		PointerBeingReplaced, PointerMissing,
	}
	for _, status := range all {
		if got := status.Terminal(); got != terminal[status] {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, terminal[status])
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from PointerStatus
		to   PointerStatus
		want bool
	}{
		{name: "start transfer", from: PointerCreated, to: PointerBeingTransferred, want: true},
		{name: "transfer succeeds", from: PointerBeingTransferred, to: PointerTransferred, want: true},
		{name: "transfer fails", from: PointerBeingTransferred, to: PointerError, want: true},
		{name: "write lands", from: PointerTransferred, to: PointerFinished, want: true},
		{name: "write fails", from: PointerTransferred, to: PointerError, want: true},
		{name: "error gets reported", from: PointerError, to: PointerErrorReported, want: true},
		{name: "reported error enters replacement", from: PointerErrorReported, to: PointerBeingReplaced, want: true},
		{name: "replacement exhausted", from: PointerErrorReported, to: PointerMissing, want: true},
		{name: "replacement succeeds", from: PointerBeingReplaced, to: PointerCreated, want: true},
		{name: "replacement fails out", from: PointerBeingReplaced, to: PointerMissing, want: true},

		{name: "cannot skip transfer", from: PointerCreated, to: PointerTransferred, want: false},
		{name: "cannot finish directly", from: PointerCreated, to: PointerFinished, want: false},
		{name: "cannot replace before reporting", from: PointerError, to: PointerBeingReplaced, want: false},
		{name: "cannot retry unreported error", from: PointerError, to: PointerCreated, want: false},
		{name: "finished is terminal", from: PointerFinished, to: PointerCreated, want: false},
		{name: "missing is terminal", from: PointerMissing, to: PointerCreated, want: false},
		{name: "missing never recovers", from: PointerMissing, to: PointerBeingReplaced, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

// Every status must either be terminal or offer at least one way forward,
// so the scheduler can never strand a pointer.
func TestPointerTransitions_NoDeadEnds(t *testing.T) {
	for status, nexts := range pointerTransitions {
		if status.Terminal() && len(nexts) != 0 {
			t.Errorf("terminal status %s has outgoing transitions %v", status, nexts)
		}
		if !status.Terminal() && len(nexts) == 0 {
			t.Errorf("non-terminal status %s has no outgoing transitions", status)
		}
	}
}

func TestShardPointer_Transition(t *testing.T) {
	p := &ShardPointer{Index: 3, Status: PointerCreated}

	if err := p.Transition(PointerBeingTransferred); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if p.Status != PointerBeingTransferred {
		t.Fatalf("Status = %s after legal transition", p.Status)
	}

	err := p.Transition(PointerFinished)
	if err == nil {
		t.Fatal("Transition() allowed BEING_TRANSFERRED -> FINISHED")
	}
	if p.Status != PointerBeingTransferred {
		t.Errorf("Status mutated to %s on rejected transition", p.Status)
	}
}

func TestPointerStatus_String(t *testing.T) {
	if got := PointerErrorReported.String(); got != "ERROR_REPORTED" {
		t.Errorf("String() = %q, want ERROR_REPORTED", got)
	}
	if got := PointerStatus(99).String(); got != "PointerStatus(99)" {
		t.Errorf("String() = %q, want PointerStatus(99)", got)
	}
}
