package resultlog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ruslano69/citydb-tool/pkg/events"
)

func summary(err error) events.Summary {
	counters := events.NewCounters()
	counters.Add(events.CounterEvent{Type: events.CounterTopLevelFeature, Counts: map[string]int64{"Building": 25, "Road": 3}})
	counters.Add(events.CounterEvent{Type: events.CounterGeometry, Counts: map[string]int64{"surface_geometry": 40}})
	s := events.NewSummary("export", time.Now().Add(-2*time.Second), counters, false, err)
	s.Files = []string{"city.gml"}
	return s
}

func TestRedisPublisher_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	p := NewRedisPublisher(Config{Type: "redis", Address: mr.Addr(), Name: "EXPORT_A", TTL: 60})
	defer p.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, Channel("EXPORT_A"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := p.Publish(ctx, summary(nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	raw, err := mr.Get(StateKey("EXPORT_A"))
	if err != nil {
		t.Fatalf("state key missing: %v", err)
	}
	if ttl := mr.TTL(StateKey("EXPORT_A")); ttl != 60*time.Second {
		t.Errorf("ttl = %v, want 60s", ttl)
	}

	var got RunResult
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if got.Name != "EXPORT_A" || got.Operation != "export" || got.Status != events.StatusCompleted {
		t.Errorf("result = %+v", got)
	}
	if got.Counters["top_level_feature"]["Building"] != 25 || got.Counters["geometry"]["surface_geometry"] != 40 {
		t.Errorf("counters = %v", got.Counters)
	}
	if got.DurationMs < 2000 {
		t.Errorf("duration = %dms", got.DurationMs)
	}
	if got.Error != nil {
		t.Errorf("error = %q, want none", *got.Error)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("no message published: %v", err)
	}
	if msg.Payload != raw {
		t.Error("published payload differs from stored state")
	}
}

func TestRedisPublisher_FailedRun(t *testing.T) {
	mr := miniredis.RunT(t)
	p := NewRedisPublisher(Config{Type: "redis", Address: mr.Addr(), Name: "DEL"})
	defer p.Close()

	runErr := &events.RunError{Op: "delete", Phase: events.PhaseWork, Err: errors.New("deadlock detected")}
	if err := p.Publish(context.Background(), summary(runErr)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	raw, err := mr.Get(StateKey("DEL"))
	if err != nil {
		t.Fatalf("state key missing: %v", err)
	}
	var got RunResult
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if got.Status != events.StatusFailed || got.Error == nil || *got.Error != runErr.Error() {
		t.Errorf("result = %+v", got)
	}
	// TTL по умолчанию
	if ttl := mr.TTL(StateKey("DEL")); ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}
}

func TestRedisPublisher_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	p := NewRedisPublisher(Config{Type: "redis", Address: addr, Name: "X"})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Publish(ctx, summary(nil)); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"none", Config{Type: "none"}, false},
		{"valid", Config{Type: "redis", Address: "localhost:6379", Name: "X"}, false},
		{"unsupported", Config{Type: "memcached", Address: "a", Name: "X"}, true},
		{"no address", Config{Type: "redis", Name: "X"}, true},
		{"no name", Config{Type: "redis", Address: "a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
