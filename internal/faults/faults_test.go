package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "auth failure", err: fmt.Errorf("exchange: %w", ErrAuthFailure), want: false},
		{name: "permanent", err: Permanent(errors.New("bad payload")), want: false},
		{name: "secret unavailable", err: ErrSecretUnavailable, want: false},
		{name: "transient auth", err: fmt.Errorf("dial: %w", ErrTransientAuth), want: true},
		{name: "transient", err: Transient(errors.New("connection reset")), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "unclassified", err: errors.New("boom"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPermanentDoesNotDoubleWrap(t *testing.T) {
	base := Permanentf("unsupported task %q", "frobnicate")
	again := Permanent(base)
	if again != base {
		t.Errorf("Permanent() rewrapped an already permanent error: %v", again)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), "timeout"},
		{ErrAuthFailure, "auth_failure"},
		{ErrTransientAuth, "transient_auth"},
		{Permanent(errors.New("x")), "permanent"},
		{Transient(errors.New("x")), "transient"},
		{errors.New("x"), "other"},
	}
	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
