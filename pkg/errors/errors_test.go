package errors

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validationf("bad payload"), KindValidation},
		{"wrapped conflict", Conflict(cause, "state mismatch"), KindConflict},
		{"transient", Transientf("engine unavailable"), KindTransient},
		{"fatal", Fatalf("store corrupted"), KindFatal},
		{"security", Securityf("signature flood"), KindSecurity},
		{"plain error", cause, KindUnknown},
		{"nil", nil, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("engine down")
	wrapped := Transient(cause, "container create failed")

	if !errors.Is(wrapped, cause) {
		t.Errorf("errors.Is should see through Classified to the cause")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Transientf("x")) {
		t.Error("transient errors should be retryable")
	}
	if Retryable(Validationf("x")) {
		t.Error("validation errors should not be retryable")
	}
	if Retryable(nil) {
		t.Error("nil should not be retryable")
	}
}
