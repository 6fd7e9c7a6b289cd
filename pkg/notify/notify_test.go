package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mineragent "github.com/httprunner/MinerAgent"
	"github.com/httprunner/MinerAgent/pkg/miner"
)

type recordingSender struct {
	messages []string
	err      error
}

func (r *recordingSender) Send(ctx context.Context, text string) error {
	r.messages = append(r.messages, text)
	return r.err
}

func TestBotSendPostsTextMessage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/open-apis/bot/v2/hook/abc" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"code":0,"msg":"success"}`))
	}))
	defer srv.Close()

	bot, err := NewBot(srv.URL+"/open-apis/bot/v2/hook/abc", srv.Client())
	if err != nil {
		t.Fatalf("NewBot returned error: %v", err)
	}
	if err := bot.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if got["msg_type"] != "text" {
		t.Fatalf("payload = %v", got)
	}
	content, _ := got["content"].(map[string]any)
	if content["text"] != "hello" {
		t.Fatalf("content = %v", content)
	}
}

func TestBotSendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/bad") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"code":19021,"msg":"sign match fail"}`))
	}))
	defer srv.Close()

	bot, _ := NewBot(srv.URL+"/bad", srv.Client())
	if err := bot.Send(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for 502")
	}
	bot, _ = NewBot(srv.URL+"/code", srv.Client())
	if err := bot.Send(context.Background(), "x"); err == nil || !strings.Contains(err.Error(), "19021") {
		t.Fatalf("expected business error code, got %v", err)
	}
	if _, err := NewBot(" ", nil); err == nil {
		t.Fatalf("expected error for empty hook")
	}
	bot, _ = NewBot("token123", nil)
	if bot.hookURL != botHookBase+"token123" {
		t.Fatalf("bare token should expand, got %s", bot.hookURL)
	}
}

func TestFailureTrackerNeedsConsecutiveFailures(t *testing.T) {
	tracker := NewFailureTracker(3)
	for i := 0; i < 2; i++ {
		if due := tracker.Observe([]string{"a", "b"}, nil); len(due) != 0 {
			t.Fatalf("run %d reported too early: %v", i, due)
		}
	}
	// b recovers, so only a crosses the threshold
	tracker.Observe(nil, []string{"b"})
	due := tracker.Observe([]string{"b", "a"}, nil)
	if len(due) != 1 || due[0] != "a" {
		t.Fatalf("due = %v", due)
	}
	if tracker.Streak("a") != 0 || tracker.Streak("b") != 1 {
		t.Fatalf("streaks a=%d b=%d", tracker.Streak("a"), tracker.Streak("b"))
	}
}

func TestReporterSwitchMessage(t *testing.T) {
	sender := &recordingSender{}
	labels := map[string]string{"10.0.0.1": "A-1"}
	r := NewReporter(sender, NewFailureTracker(2), func(addr string) string { return labels[addr] })
	r.now = func() time.Time { return time.Date(2024, 5, 1, 9, 5, 7, 0, time.UTC) }

	outcomes := mineragent.SwitchOutcomes{
		"10.0.0.1": {Kind: mineragent.OutcomeFailed},
		"10.0.0.2": {Kind: mineragent.OutcomeFailed},
		"10.0.0.3": {Kind: mineragent.OutcomeSkipped, Reason: mineragent.SkipCooldown},
	}
	if err := r.ReportSwitch(context.Background(), outcomes); err != nil {
		t.Fatalf("ReportSwitch returned error: %v", err)
	}
	if len(sender.messages) != 0 {
		t.Fatalf("first failure must not notify")
	}
	if err := r.ReportSwitch(context.Background(), outcomes); err != nil {
		t.Fatalf("ReportSwitch returned error: %v", err)
	}
	want := "09:05:07 访问故障: [10.0.0.1-A-1][10.0.0.2]"
	if len(sender.messages) != 1 || sender.messages[0] != want {
		t.Fatalf("messages = %q, want %q", sender.messages, want)
	}
}

func TestReporterRebootAndSendError(t *testing.T) {
	sender := &recordingSender{err: errors.New("offline")}
	r := NewReporter(sender, NewFailureTracker(1), nil)
	err := r.ReportReboot(context.Background(), mineragent.RebootOutcomes{
		"a": {OK: true},
		"b": {Error: "refused"},
		"c": {Skipped: true},
	})
	if err == nil {
		t.Fatalf("sender error should propagate")
	}
	if len(sender.messages) != 1 || !strings.Contains(sender.messages[0], "[b]") || strings.Contains(sender.messages[0], "[c]") {
		t.Fatalf("messages = %q", sender.messages)
	}
}

func TestDeliverFormatsAlerts(t *testing.T) {
	sender := &recordingSender{}
	r := NewReporter(sender, nil, nil)
	ts := time.Date(2024, 5, 1, 22, 0, 1, 0, time.UTC)
	alerts := []mineragent.Alert{
		{Address: "a", Vendor: miner.VendorAntminer, Kind: mineragent.AlertStatus,
			PreviousStatus: miner.StatusOnline, NewStatus: miner.StatusOffline, Reason: "timeout", Timestamp: ts},
		{Address: "b", Vendor: miner.VendorAvalon, Kind: mineragent.AlertTemperatureHigh,
			Metrics: miner.Metrics{TemperatureC: 91.3}, Timestamp: ts},
	}
	if err := r.Deliver(context.Background(), alerts); err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}
	lines := strings.Split(sender.messages[0], "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if lines[0] != "22:00:01 a antminer: online -> offline (timeout)" {
		t.Fatalf("status line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "温度过高 91.3") {
		t.Fatalf("temperature line = %q", lines[1])
	}
	if err := r.Deliver(context.Background(), nil); err != nil || len(sender.messages) != 1 {
		t.Fatalf("empty alerts must not send")
	}
}
