package qerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsCode(t *testing.T) {
	base := New(CodeNotFound, errors.New("run missing"))

	if !IsCode(base, CodeNotFound) {
		t.Error("Expected direct match on CodeNotFound")
	}
	if IsCode(base, CodeInvalid) {
		t.Error("Matched the wrong code")
	}
	if IsCode(nil, CodeNotFound) {
		t.Error("nil error must not match any code")
	}
	if IsCode(errors.New("plain"), CodeNotFound) {
		t.Error("Uncoded error must not match")
	}
}

func TestIsCode_Wrapped(t *testing.T) {
	base := New(CodeStoreIO, errors.New("connection reset"))
	wrapped := fmt.Errorf("saving run r1: %w", base)

	if !IsCode(wrapped, CodeStoreIO) {
		t.Error("Expected match through a wrapping error")
	}
	double := fmt.Errorf("finalize: %w", wrapped)
	if !IsCode(double, CodeStoreIO) {
		t.Error("Expected match through two layers of wrapping")
	}
	if IsCode(wrapped, CodeCacheIO) {
		t.Error("Wrapped error matched the wrong code")
	}
}

func TestNew_NilPassthrough(t *testing.T) {
	if err := New(CodeInvalid, nil); err != nil {
		t.Errorf("Expected nil for nil cause, got %v", err)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New(CodeCacheIO, cause)
	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to reach the wrapped cause")
	}
}
