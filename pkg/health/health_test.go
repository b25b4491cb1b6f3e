package health

import (
	"context"
	"errors"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/logger"
)

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker(logger.Discard())
	c.Register("postgres", Ping(func(ctx context.Context) error { return nil }))
	c.Register("redis", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDegraded}
	})
	report := c.Run(context.Background())
	if report.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded", report.Status)
	}
	if err := report.Err(); err != nil {
		t.Errorf("degraded report should not error: %v", err)
	}

	c.Register("storage", Ping(func(ctx context.Context) error { return errors.New("no such bucket") }))
	report = c.Run(context.Background())
	if report.Status != StatusDown {
		t.Fatalf("status = %s, want down", report.Status)
	}
	if down := report.Down(); len(down) != 1 || down[0] != "storage" {
		t.Errorf("down = %v", down)
	}
	if report.Err() == nil {
		t.Error("expected error for down component")
	}
	if report.Components["storage"].Latency == "" {
		t.Error("latency not recorded")
	}
}
