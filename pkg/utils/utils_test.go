package utils

import (
	"strings"
	"testing"
)

func TestGenerateConnectionID(t *testing.T) {
	id1 := GenerateConnectionID()
	id2 := GenerateConnectionID()

	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if strings.Contains(id1, ".") {
		t.Errorf("connection ID must not contain a dot, got %s", id1)
	}
}

func TestGenerateInstanceID(t *testing.T) {
	id := GenerateInstanceID()
	if len(id) != 8 {
		t.Errorf("expected 8 characters, got %q", id)
	}
	if strings.ContainsAny(id, ".-") {
		t.Errorf("unexpected separator in %q", id)
	}
}

func TestGenerateRequestID(t *testing.T) {
	if id := GenerateRequestID(); !strings.HasPrefix(id, "req_") {
		t.Errorf("expected prefix 'req_', got %s", id)
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal string", "hello", "hello"},
		{"with control chars", "hello\x00world", "helloworld"},
		{"with newline", "hello\nworld", "helloworld"},
		{"with whitespace", "  hello  ", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeString(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeString(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short string", "hello", 10, "hello"},
		{"long string", "hello world", 5, "he..."},
		{"very short max", "hello", 2, "he"},
		{"exact length", "hello", 5, "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := TruncateString(tt.input, tt.maxLen)
			if result != tt.expected {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, result, tt.expected)
			}
		})
	}
}

func TestMaskSensitive(t *testing.T) {
	if got := MaskSensitive("secret-token", 3); got != "sec*********" {
		t.Errorf("MaskSensitive() = %q", got)
	}
	if got := MaskSensitive("ab", 3); got != "**" {
		t.Errorf("MaskSensitive() = %q", got)
	}
}
