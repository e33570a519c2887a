package services_test

import (
	"errors"
	"strings"
	"testing"

	"montage/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrPermanent, "scheduler", "dispatch", "generator refused", base)
	if !errors.Is(err, services.ErrPermanent) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"scheduler", "dispatch", "generator refused"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestFailureDispositionMapping(t *testing.T) {
	tests := []struct {
		err  error
		want services.Disposition
	}{
		{services.Wrap(services.ErrTransient, "gen", "call", "timeout", nil), services.DispositionRetry},
		{errors.New("unclassified"), services.DispositionRetry},
		{services.Wrap(services.ErrStale, "lineage", "check", "input stale", nil), services.DispositionBlocked},
		{services.Wrap(services.ErrValidation, "gen", "call", "bad input", nil), services.DispositionFail},
		{services.Wrap(services.ErrPermanent, "gen", "call", "refused", nil), services.DispositionFail},
		{nil, services.DispositionFail},
	}
	for _, tc := range tests {
		if got := services.FailureDisposition(tc.err); got != tc.want {
			t.Fatalf("FailureDisposition(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestErrorKind(t *testing.T) {
	if got := services.ErrorKind(services.Wrap(services.ErrConflict, "", "", "x", nil)); got != "conflict" {
		t.Fatalf("unexpected kind %q", got)
	}
	if got := services.ErrorKind(nil); got != "" {
		t.Fatalf("expected empty kind for nil, got %q", got)
	}
}

func TestDetailsStripsMarker(t *testing.T) {
	err := services.Wrap(services.ErrPermanent, "generator", "execute", "refused", nil)
	if got := services.Details(err); got != "generator: execute: refused" {
		t.Fatalf("Details = %q", got)
	}
	if got := services.Details(errors.New("plain")); got != "plain" {
		t.Fatalf("Details = %q", got)
	}
}
