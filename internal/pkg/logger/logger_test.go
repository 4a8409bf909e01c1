package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"jane.doe@example.com", "ja***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
		{"", "***@***"},
	}

	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoggerRedactsEmailFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetRedactPII(true)

	Info("send attempted", "recipient_email", "jane.doe@example.com", "campaign", "welcome")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["recipient_email"] != "ja***@example.com" {
		t.Errorf("recipient_email = %v, want redacted", entry["recipient_email"])
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", entry["level"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetLevel(WARN)
	defer SetLevel(INFO)

	Debug("should not appear")
	Info("should not appear either")
	Warn("visible")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("low-severity entries were not filtered: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("WARN entry missing from output: %s", out)
	}
}
