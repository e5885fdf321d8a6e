package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeForbidden, "test error", 403)
	expected := "FORBIDDEN: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if !errors.Is(err, originalErr) {
		t.Errorf("expected wrapped error to match cause")
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInternal, "test error", 500)
	err.WithContext("field", "value").WithContext("count", 42)

	if err.Context["field"] != "value" {
		t.Errorf("Context[field] = %v, want 'value'", err.Context["field"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestNewRefusalError(t *testing.T) {
	cause := errors.New("identity required")
	err := NewRefusalError(cause)
	if err.Code != ErrCodeForbidden {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeForbidden)
	}
	if err.HTTPStatus != http.StatusForbidden {
		t.Errorf("HTTPStatus = %v, want 403", err.HTTPStatus)
	}
	if !errors.Is(err, cause) {
		t.Error("refusal should wrap its cause")
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInternal, "test", 500)

	if GetAppError(appErr) != appErr {
		t.Error("GetAppError() should return the AppError itself")
	}

	wrapped := fmt.Errorf("outer: %w", appErr)
	if GetAppError(wrapped) != appErr {
		t.Error("GetAppError() should extract AppError from wrapped error")
	}

	if GetAppError(errors.New("regular error")) != nil {
		t.Error("GetAppError() should return nil for regular error")
	}
}

func TestWriteHTTP(t *testing.T) {
	t.Run("app error", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteHTTP(w, NewRefusalError(errors.New("identity required")))

		if w.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", w.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body["error"] != "FORBIDDEN" || body["reason"] != "identity required" {
			t.Errorf("unexpected body %v", body)
		}
	})

	t.Run("plain error is hidden", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteHTTP(w, errors.New("db password is hunter2"))

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", w.Code)
		}
		if strings.Contains(w.Body.String(), "hunter2") {
			t.Error("internal error message leaked")
		}
	})
}
