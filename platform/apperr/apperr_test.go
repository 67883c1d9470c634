package apperr

import (
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusDistinguishesOperatorActions(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{NotFound("run not found"), http.StatusNotFound},
		{Validation("Invalid phone number"), http.StatusBadRequest},
		{Conflict("run state already exists"), http.StatusConflict},
		{PreconditionFailed("Cannot pause run with active calls"), http.StatusPreconditionFailed},
		{MissingCorrelation("outbound event without run"), http.StatusUnprocessableEntity},
		{CapacityExceeded("capacity reached"), http.StatusTooManyRequests},
		{ProviderFailure("provider rejected call", nil), http.StatusBadGateway},
		{PersistenceFailure("write failed", nil), http.StatusServiceUnavailable},
		{New(KindUnknown, "boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		if got := tc.err.HTTPStatus(); got != tc.want {
			t.Errorf("%q: expected status %d, got %d", tc.err.Message, tc.want, got)
		}
	}
}

func TestIsFindsWrappedDomainError(t *testing.T) {
	err := fmt.Errorf("dispatch pass: %w", NotFound("run not found"))

	if !Is(err, KindNotFound) {
		t.Fatalf("expected wrapped error to report KindNotFound, got %v", GetKind(err))
	}
	if Is(err, KindConflict) {
		t.Fatalf("expected wrapped error not to report KindConflict")
	}
}

func TestErrorIncludesOperation(t *testing.T) {
	err := PreconditionFailed("Run is not ready to start").WithOp("runs.Start")
	if err.Error() != "runs.Start: Run is not ready to start" {
		t.Fatalf("unexpected error string %q", err.Error())
	}
}

func TestKindCodes(t *testing.T) {
	if got := PreconditionFailed("x").Kind.String(); got != "PRECONDITION_FAILED" {
		t.Fatalf("unexpected code %q", got)
	}
	if got := Kind(99).String(); got != "UNKNOWN" {
		t.Fatalf("unexpected code for unknown kind %q", got)
	}
}
