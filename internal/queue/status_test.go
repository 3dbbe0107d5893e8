package queue

import (
	"strings"
	"testing"

	"github.com/crispmx/crispmx/framework/exterrors"
)

func TestStatusTerminal(t *testing.T) {
	cases := []struct {
		status     Status
		isTerminal bool
		isFailure  bool
	}{
		{Scheduled(), false, false},
		{Completed(HostResponse{Hostname: "mx.example.invalid"}), true, false},
		{TempFailure("mx.example.invalid", ConnectionError{Reason: "refused"}), false, true},
		{PermFailure("mx.example.invalid", DNSError{Reason: "Domain not found"}), true, true},
	}
	for _, c := range cases {
		if c.status.IsTerminal() != c.isTerminal {
			t.Errorf("%s: IsTerminal() = %v", c.status.FormatLog(), c.status.IsTerminal())
		}
		if c.status.IsFailure() != c.isFailure {
			t.Errorf("%s: IsFailure() = %v", c.status.FormatLog(), c.status.IsFailure())
		}
	}
}

func TestStatusIntoPermanent(t *testing.T) {
	temp := TempFailure("mx.example.invalid", ConnectionError{Reason: "refused"})
	perm := temp.IntoPermanent()
	if perm.Kind != StatusPermanentFailure {
		t.Errorf("Wrong kind after conversion: %v", perm.Kind)
	}
	if perm.Details != temp.Details {
		t.Errorf("Error details changed during conversion: %#v", perm.Details)
	}

	// Converting twice changes nothing.
	if again := perm.IntoPermanent(); again != perm {
		t.Errorf("Second conversion changed the status: %#v", again)
	}

	// Non-failures pass through untouched.
	done := Completed(HostResponse{Hostname: "mx.example.invalid"})
	if converted := done.IntoPermanent(); converted != done {
		t.Errorf("Completion changed by conversion: %#v", converted)
	}
}

func TestStatusFormatLog(t *testing.T) {
	status := Completed(HostResponse{
		Hostname: "mx.example.invalid",
		Response: Response{
			Code:         250,
			EnhancedCode: exterrors.EnhancedCode{2, 0, 0},
			Message:      "Message accepted",
		},
	})
	formatted := status.FormatLog()
	if !strings.Contains(formatted, "mx.example.invalid") || !strings.Contains(formatted, "250") {
		t.Errorf("Unexpected log format: %v", formatted)
	}

	status = PermFailure("example.invalid", MTASTSError{Reason: "Policy not found."})
	formatted = status.FormatLog()
	if !strings.Contains(formatted, "example.invalid") || !strings.Contains(formatted, "Policy not found.") {
		t.Errorf("Unexpected log format: %v", formatted)
	}
}
