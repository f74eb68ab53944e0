package slogger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLogger_WritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSON(&buf, "debug")

	logger.WithContext(context.Background()).Info("link connected", "provider_id", "google")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["msg"] != "link connected" {
		t.Fatalf("unexpected msg %v", record["msg"])
	}
	if record["provider_id"] != "google" {
		t.Fatalf("expected provider_id attribute, got %v", record)
	}
}

func TestLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSON(&buf, "warn")
	logger.Info("dropped")
	logger.Trace("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Fatalf("expected warn record")
	}
}

func TestLogger_WithFieldsAndProviderName(t *testing.T) {
	var buf bytes.Buffer
	provider := NewProvider(NewJSON(&buf, "info"))

	logger := provider.GetLogger("calendar-links.api").(*Logger)
	logger.WithFields(map[string]any{"user": "ada"}).Error("request failed")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["logger"] != "calendar-links.api" || record["user"] != "ada" {
		t.Fatalf("expected logger name and fields, got %v", record)
	}
}

func TestLogger_FatalExits(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.New(slog.NewJSONHandler(&buf, nil)))
	code := -1
	logger.exit = func(c int) { code = c }
	logger.Fatal("boom")
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if ParseLevel("nonsense") != slog.LevelInfo {
		t.Fatalf("expected unknown level to default to info")
	}
}
