package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNotFoundChain(t *testing.T) {
	err := fmt.Errorf("get alert 7: %w", ErrAlertNotFound)
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected wrapped alert error to match ErrNotFound")
	}
	if errors.Is(err, ErrClientNotFound) {
		t.Fatal("alert error should not match client error")
	}
}

func TestPermanentMarker(t *testing.T) {
	base := errors.New("bad recipient")
	err := fmt.Errorf("send: %w", MarkPermanent(base))
	if !IsPermanent(err) {
		t.Fatal("expected permanent marker to survive wrapping")
	}
	if !errors.Is(err, base) {
		t.Fatal("expected cause to be reachable")
	}
	if IsPermanent(base) {
		t.Fatal("plain error should not be permanent")
	}
	if MarkPermanent(nil) != nil {
		t.Fatal("marking nil should return nil")
	}
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("ingest: %w", Invalid("metrics.cpu", "must be within [0,100], got %v", 120.0))
	if !IsValidation(err) {
		t.Fatal("expected validation error")
	}
	want := "ingest: invalid sample: metrics.cpu must be within [0,100], got 120"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}
