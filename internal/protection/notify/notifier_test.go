package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ptoc-relay/internal/protection/application"
	protection "ptoc-relay/internal/protection/domain"
)

type stubStatus struct {
	mu     sync.Mutex
	status application.Status
}

func (s *stubStatus) Status() application.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stubStatus) Set(phase protection.Phase) {
	s.mu.Lock()
	s.status.Phase = phase
	s.mu.Unlock()
}

func tripEvent(at time.Time) protection.TripEvent {
	return protection.TripEvent{
		ID:       "evt-1",
		Function: "PTOC",
		Type:     protection.EventTrip,
		Phase:    protection.PhaseTripped,
		RMS:      123.456,
		Elapsed:  100 * time.Millisecond,
		At:       at,
	}
}

func TestWebhookNotifierPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	status := &stubStatus{status: application.Status{PickupCurrent: 100, TimeDelay: 100 * time.Millisecond}}
	notifier, err := NewNotifier(channel, nil,
		WithRelayName("Feeder 7"),
		WithStatusReader(status),
		WithStatusURL("http://relay.local/status"),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.Notify(context.Background(), tripEvent(time.Date(2026, 1, 26, 8, 0, 0, 0, time.UTC)))

	select {
	case payload := <-payloadCh:
		if payload.MsgType != "text" {
			t.Fatalf("expected msgtype text, got %s", payload.MsgType)
		}
		content := payload.Text.Content
		checks := []string{
			"[PTOC Trip]",
			"Relay: Feeder 7",
			"Phase: tripped",
			"Current: 123.46 A",
			"Pickup: >= 100.00 A for 100ms",
			"Elapsed: 100ms",
			"Time: 2026-01-26T08:00:00Z",
			"Status: http://relay.local/status",
		}
		for _, expected := range checks {
			if !strings.Contains(content, expected) {
				t.Fatalf("expected content to include %q, got %s", expected, content)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for webhook payload")
	}
}

func TestWebhookChannelNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down\n"))
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	err = channel.Send(context.Background(), "x")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusBadGateway || statusErr.Body != "upstream down" {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
	if _, err := NewWebhookChannel(""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

type recordingChannel struct {
	mu       sync.Mutex
	contents []string
}

func (r *recordingChannel) Send(_ context.Context, content string) error {
	r.mu.Lock()
	r.contents = append(r.contents, content)
	r.mu.Unlock()
	return nil
}

func (r *recordingChannel) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contents)
}

func (r *recordingChannel) Latest() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.contents) == 0 {
		return ""
	}
	return r.contents[len(r.contents)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestNotifierFiltersEventTypes(t *testing.T) {
	channel := &recordingChannel{}
	notifier, err := NewNotifier(channel, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	event := tripEvent(time.Now())
	event.Type = protection.EventPickup
	notifier.Notify(context.Background(), event)
	if got := channel.Count(); got != 0 {
		t.Fatalf("expected pickup to be filtered, got %d sends", got)
	}

	notifier, err = NewNotifier(channel, nil, WithEventTypes(protection.EventPickup))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	notifier.Notify(context.Background(), event)
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected pickup to be sent, got %d sends", got)
	}
}

func TestNotifierCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	notifier, err := NewNotifier(channel, nil, WithClock(clock), WithCooldown(10*time.Minute))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.Notify(context.Background(), tripEvent(clock.Now()))
	notifier.Notify(context.Background(), tripEvent(clock.Now().Add(time.Second)))
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected 1 notification during cooldown, got %d", got)
	}

	clock.Add(11 * time.Minute)
	notifier.Notify(context.Background(), tripEvent(clock.Now()))
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected 2 notifications after cooldown, got %d", got)
	}
}

func TestNotifierDedupeWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 26, 11, 0, 0, 0, time.UTC)}
	channel := &recordingChannel{}
	notifier, err := NewNotifier(channel, nil, WithClock(clock), WithDedupeWindow(30*time.Minute))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	event := tripEvent(clock.Now())
	notifier.Notify(context.Background(), event)
	clock.Add(5 * time.Minute)
	notifier.Notify(context.Background(), event)
	if got := channel.Count(); got != 1 {
		t.Fatalf("expected 1 notification during dedupe window, got %d", got)
	}

	event.RMS = 150
	notifier.Notify(context.Background(), event)
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected notification when content changes, got %d", got)
	}
}

func TestNotifierEscalation(t *testing.T) {
	channel := &recordingChannel{}
	status := &stubStatus{}
	status.Set(protection.PhaseTripped)
	notifier, err := NewNotifier(channel, nil,
		WithStatusReader(status),
		WithEscalation(20*time.Millisecond),
		WithRequestTimeout(200*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), tripEvent(time.Now()))

	deadline := time.After(time.Second)
	for channel.Count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected escalation notification, got %d", channel.Count())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	if !strings.Contains(channel.Latest(), "Escalated") {
		t.Fatalf("expected escalated notification content, got %s", channel.Latest())
	}
}

func TestNotifierClearCancelsEscalation(t *testing.T) {
	channel := &recordingChannel{}
	status := &stubStatus{}
	status.Set(protection.PhaseTripped)
	notifier, err := NewNotifier(channel, nil,
		WithStatusReader(status),
		WithEscalation(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), tripEvent(time.Now()))
	cleared := tripEvent(time.Now())
	cleared.Type = protection.EventClear
	cleared.Phase = protection.PhaseNormal
	notifier.Notify(context.Background(), cleared)

	time.Sleep(150 * time.Millisecond)
	if got := channel.Count(); got != 2 {
		t.Fatalf("expected trip and clear only, got %d", got)
	}
}

func TestMultiNotifierFansOut(t *testing.T) {
	a := &recordingChannel{}
	b := &recordingChannel{}
	na, _ := NewNotifier(a, nil)
	nb, _ := NewNotifier(b, nil)
	multi := NewMultiNotifier(na, nil, nb)
	multi.Notify(context.Background(), tripEvent(time.Now()))
	if a.Count() != 1 || b.Count() != 1 {
		t.Fatalf("expected fan-out to both channels, got %d and %d", a.Count(), b.Count())
	}
	var nilMulti *MultiNotifier
	nilMulti.Notify(context.Background(), tripEvent(time.Now()))
}

func TestMultiNotifierAdd(t *testing.T) {
	a := &recordingChannel{}
	na, _ := NewNotifier(a, nil)
	multi := NewMultiNotifier()
	multi.Add(nil)
	multi.Add(na)
	multi.Notify(context.Background(), tripEvent(time.Now()))
	if a.Count() != 1 {
		t.Fatalf("expected added notifier to receive event, got %d", a.Count())
	}
}

func TestWebhookChannelHeaders(t *testing.T) {
	got := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL, WithHeader("Authorization", "Bearer hook"))
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	if err := channel.Send(context.Background(), "x"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if header := <-got; header != "Bearer hook" {
		t.Fatalf("expected auth header, got %q", header)
	}
}

func TestCustomTemplate(t *testing.T) {
	tpl, err := NewTemplate("{{upper .Function}} {{lower .EventLabel}} @ {{.Relay}}\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := tpl.Render(TemplateData{Function: "ptoc", EventLabel: "Trip", Relay: "Feeder 7"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "PTOC trip @ Feeder 7" {
		t.Fatalf("unexpected render: %q", out)
	}
	if _, err := NewTemplate("{{.Missing"); err == nil {
		t.Fatal("expected parse error")
	}
}
