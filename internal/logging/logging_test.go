package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_TextAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := New("warn", "text", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("hidden")
	l.WithField("table", "cartpanda_orders").Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line emitted at warn level: %q", out)
	}
	if !strings.Contains(out, "table=cartpanda_orders") {
		t.Fatalf("missing field in text output: %q", out)
	}
}

func TestNew_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := New("", "json", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.WithField("job", "orders").Info("done")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("json output: %v (%q)", err, buf.String())
	}
	if line["job"] != "orders" || line["msg"] != "done" {
		t.Fatalf("json fields: got %v", line)
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	if _, err := New("loud", "text", nil); err == nil {
		t.Fatalf("expected error for bad level")
	}
	if _, err := New("info", "xml", nil); err == nil {
		t.Fatalf("expected error for bad format")
	}
}

func TestOrDiscard(t *testing.T) {
	t.Parallel()

	if OrDiscard(nil) == nil {
		t.Fatalf("OrDiscard(nil) returned nil")
	}
	l := Discard()
	if OrDiscard(l) != l {
		t.Fatalf("OrDiscard should return the given logger")
	}
}
