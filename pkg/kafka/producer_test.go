package kafka

import (
	"strings"
	"testing"
	"time"
)

func TestEncodeRefreshEvent(t *testing.T) {
	at := time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC)
	msg, err := encode(Event{
		Key: "run-42",
		Value: SimilarityRefreshed{
			RunID:       "run-42",
			Items:       101,
			TopK:        1500,
			PublishedAt: at,
		},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(msg.Key) != "run-42" {
		t.Errorf("key = %q", msg.Key)
	}
	body := string(msg.Value)
	for _, want := range []string{`"run_id":"run-42"`, `"items":101`, `"top_k":1500`, `"published_at":"2026-10-18T03:00:00Z"`} {
		if !strings.Contains(body, want) {
			t.Errorf("payload %s missing %s", body, want)
		}
	}
}

func TestEncodeRejectsUnsupportedValue(t *testing.T) {
	if _, err := encode(Event{Key: "k", Value: make(chan int)}); err == nil {
		t.Error("expected marshal error")
	}
}
