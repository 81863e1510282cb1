package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestStd_WritesThroughZap(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := Std(zap.New(core), "credits")
	l.Printf("[Credits][Reserve] ok id=%s", "r1")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Message != "[Credits][Reserve] ok id=r1" || entries[0].LoggerName != "credits" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestNew_AndNilFallback(t *testing.T) {
	if New("production") == nil || New("") == nil {
		t.Fatalf("expected logger")
	}
	if Std(nil, "x") == nil {
		t.Fatalf("expected default logger")
	}
}
