package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without cause",
			err:  NewError(ErrorTypeBadRequest, "missing ip"),
			want: "bad_request: missing ip",
		},
		{
			name: "with cause",
			err:  NewError(ErrorTypeStoreUnavailable, "counter lookup failed").WithCause(fmt.Errorf("dial tcp: refused")),
			want: "store_unavailable: counter lookup failed: dial tcp: refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_Is(t *testing.T) {
	err := NewError(ErrorTypeConfiguration, "bad limit rule")

	if !stderrors.Is(err, NewError(ErrorTypeConfiguration, "anything")) {
		t.Error("expected errors with the same type to match")
	}
	if stderrors.Is(err, NewError(ErrorTypeRateLimit, "anything")) {
		t.Error("expected errors with different types not to match")
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := NewError(ErrorTypeInternal, "wrapper").WithCause(cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected unwrapping to reach the cause")
	}
}

func TestError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		errType ErrorType
		want    int
	}{
		{ErrorTypeNotFound, 404},
		{ErrorTypeBadRequest, 400},
		{ErrorTypeConfiguration, 400},
		{ErrorTypeUnauthorized, 401},
		{ErrorTypeTimeout, 408},
		{ErrorTypeRateLimit, 429},
		{ErrorTypeStoreUnavailable, 503},
		{ErrorTypeInternal, 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := NewError(tt.errType, "test")
			if got := err.HTTPStatusCode(); got != tt.want {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsType(t *testing.T) {
	err := NewError(ErrorTypeStoreUnavailable, "redis down")

	if !IsType(err, ErrorTypeStoreUnavailable) {
		t.Error("expected IsType to match")
	}
	if IsType(err, ErrorTypeInternal) {
		t.Error("expected IsType not to match a different type")
	}
	if IsType(fmt.Errorf("plain"), ErrorTypeInternal) {
		t.Error("expected IsType to reject plain errors")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("expected wrapping nil to stay nil")
	}

	cause := fmt.Errorf("boom")
	wrapped := Wrap(cause, "loading config")
	if !stderrors.Is(wrapped, cause) {
		t.Error("expected wrapped error to unwrap to cause")
	}
}
