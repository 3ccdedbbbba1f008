package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestFailure_Error(t *testing.T) {
	f := InvalidArguments(CodeMissingWidget, "widget %s not found", WidgetRef("w1"))
	want := "InvalidArguments(missingWidget): widget widget:w1 not found"
	if got := f.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got := Cancelled().Error(); got != "Cancelled: command was cancelled before commit" {
		t.Errorf("Error() = %q", got)
	}
}

func TestFailure_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", InvalidArguments(CodeMissingMeasure, "gone"))
	if !errors.Is(err, &Failure{Reason: ReasonInvalidArguments}) {
		t.Error("errors.Is by reason = false, want true")
	}
	if !errors.Is(err, &Failure{Reason: ReasonInvalidArguments, Code: CodeMissingMeasure}) {
		t.Error("errors.Is by reason and code = false, want true")
	}
	if errors.Is(err, &Failure{Reason: ReasonInvalidArguments, Code: CodeMissingWidget}) {
		t.Error("errors.Is with other code = true, want false")
	}
}

func TestAsFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"failure", PermissionDenied("nope"), ReasonPermissionDenied},
		{"wrapped failure", fmt.Errorf("x: %w", NotFound(NewRef(RefInsight, "i1"))), ReasonNotFound},
		{"canceled", context.Canceled, ReasonCancelled},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), ReasonBackendUnavailable},
		{"other", errors.New("boom"), ReasonInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AsFailure(tt.err); got.Reason != tt.reason {
				t.Errorf("AsFailure().Reason = %q, want %q", got.Reason, tt.reason)
			}
		})
	}
	if AsFailure(nil) != nil {
		t.Error("AsFailure(nil) should be nil")
	}
}

func TestEnvelopeFromFailure(t *testing.T) {
	tests := []struct {
		f    *Failure
		want string
	}{
		{InvalidArguments(CodeInvalidSize, "bad"), ErrBadRequest},
		{&Failure{Reason: ReasonInvalidArguments, Details: []FieldError{{Field: "ref"}}}, ErrValidationError},
		{PermissionDenied("no"), ErrForbidden},
		{NotFound(WidgetRef("w")), ErrNotFound},
		{BackendUnavailable("down"), ErrBackendUnavailable},
		{Cancelled(), ErrCancelled},
		{BrokenReference(CodeConcurrentModification, "conflict"), ErrConflict},
		{InternalError("panic"), ErrInternalError},
	}
	for _, tt := range tests {
		if got := EnvelopeFromFailure(tt.f).Code; got != tt.want {
			t.Errorf("EnvelopeFromFailure(%s).Code = %q, want %q", tt.f.Reason, got, tt.want)
		}
	}
}

func TestErrorEnvelope_Error(t *testing.T) {
	e := NewNotFoundError("session missing")
	if got := e.Error(); got != "NOT_FOUND: session missing" {
		t.Errorf("Error() = %q", got)
	}
}
