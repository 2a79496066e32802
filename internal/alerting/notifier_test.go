package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func sampleNote() Notification {
	return Notification{
		Bucket:          time.Now(),
		TCR:             decimal.NewFromInt(140),
		Threshold:       decimal.NewFromInt(150),
		Severity:        SeverityDanger,
		TotalCollateral: decimal.NewFromInt(500),
		TotalDebt:       decimal.NewFromInt(1000),
		FILPrice:        decimal.NewFromInt(4),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "danger") {
		t.Fatalf("text 应包含告警级别: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestEvaluatorThresholds(t *testing.T) {
	e := NewEvaluator(200, 150, time.Hour)

	severity, threshold, fire := e.Evaluate(decimal.NewFromInt(140))
	if severity != SeverityDanger || !fire {
		t.Fatalf("tcr 140 应触发 danger, got %s fire=%v", severity, fire)
	}
	if !threshold.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("threshold = %s", threshold)
	}

	severity, _, fire = e.Evaluate(decimal.NewFromInt(180))
	if severity != SeverityWarning || !fire {
		t.Fatalf("tcr 180 should fire warning, got %s fire=%v", severity, fire)
	}

	severity, _, fire = e.Evaluate(decimal.NewFromInt(250))
	if severity != "" || fire {
		t.Fatalf("healthy tcr must not alert, got %s fire=%v", severity, fire)
	}
}

func TestEvaluatorCooldown(t *testing.T) {
	e := NewEvaluator(200, 150, time.Hour)
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	now := base
	e.now = func() time.Time { return now }

	if _, _, fire := e.Evaluate(decimal.NewFromInt(180)); !fire {
		t.Fatal("first warning should fire")
	}

	now = base.Add(30 * time.Minute)
	if _, _, fire := e.Evaluate(decimal.NewFromInt(180)); fire {
		t.Fatal("repeat warning inside cooldown should be suppressed")
	}

	// Escalation to danger is tracked separately and fires immediately.
	if severity, _, fire := e.Evaluate(decimal.NewFromInt(140)); !fire || severity != SeverityDanger {
		t.Fatalf("escalation should fire, got %s fire=%v", severity, fire)
	}

	now = base.Add(2 * time.Hour)
	if _, _, fire := e.Evaluate(decimal.NewFromInt(180)); !fire {
		t.Fatal("warning after cooldown should fire again")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
