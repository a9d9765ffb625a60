package authcore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newAuditTestEngine(t *testing.T, sink AuditSink) *Engine {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	engine, err := New().
		WithConfig(testConfig()).
		WithRedis(rdb).
		WithUserStore(seedUsers()).
		WithPasswordHasher(plainHasher{}).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func waitForEvent(t *testing.T, sink *ChannelSink, eventType string) AuditEvent {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-sink.Events():
			if event.EventType == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("no %q event observed", eventType)
		}
	}
}

func TestAuditLoginSuccessEvent(t *testing.T) {
	sink := NewChannelSink(64)
	engine := newAuditTestEngine(t, sink)

	ctx := WithClientIP(context.Background(), "203.0.113.7")
	result, err := engine.Login(ctx, "admin@example.com", "correct horse battery", "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	event := waitForEvent(t, sink, "login_success")
	if !event.Success || event.UserID != "u-admin" || event.IP != "203.0.113.7" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.SessionID != result.SessionID {
		t.Fatalf("event session %q, want %q", event.SessionID, result.SessionID)
	}
}

func TestAuditLoginFailureEvent(t *testing.T) {
	sink := NewChannelSink(64)
	engine := newAuditTestEngine(t, sink)

	if _, err := engine.Login(context.Background(), "admin@example.com", "wrong", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v", err)
	}

	event := waitForEvent(t, sink, "login_failure")
	if event.Success {
		t.Fatalf("failure event marked success: %+v", event)
	}
	if event.Error == "" {
		t.Fatal("failure event carries no error code")
	}
}

func TestAuditEventsNeverLeakSecrets(t *testing.T) {
	sink := NewChannelSink(64)
	engine := newAuditTestEngine(t, sink)
	ctx := context.Background()

	secret, codes := enrollMFA(t, engine, "u-admin")
	code := codeForOffset(t, secret, engine.config.TOTP, 1)
	if _, err := engine.Login(ctx, "admin@example.com", "correct horse battery", code); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	engine.Close()

	for {
		select {
		case event := <-sink.Events():
			raw, err := json.Marshal(event)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			payload := string(raw)
			for _, forbidden := range append([]string{secret, code, "correct horse battery"}, codes...) {
				if strings.Contains(payload, forbidden) {
					t.Fatalf("audit event leaks %q: %s", forbidden, payload)
				}
			}
		default:
			return
		}
	}
}

func TestJSONWriterSinkWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), AuditEvent{EventType: "login_success", UserID: "u1", Success: true})
	sink.Emit(context.Background(), AuditEvent{EventType: "logout_session", UserID: "u1", Success: true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var event AuditEvent
	if err := json.Unmarshal([]byte(lines[0]), &event); err != nil {
		t.Fatalf("line not valid JSON: %v", err)
	}
	if event.EventType != "login_success" {
		t.Fatalf("wrong event type %q", event.EventType)
	}
}
