package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jkaninda/omni/internal/netguard"
)

type recorded struct {
	path   string
	auth   string
	body   map[string]any
	status int
}

func recordingServer(t *testing.T, respond func(w http.ResponseWriter)) (*httptest.Server, func() []recorded) {
	t.Helper()
	var mu sync.Mutex
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, recorded{path: r.URL.Path, auth: r.Header.Get("Authorization"), body: body})
		mu.Unlock()
		if respond != nil {
			respond(w)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), calls...)
	}
}

// --- Dispatcher ---

func TestDispatcher_UnknownInstance(t *testing.T) {
	d := NewDispatcher(nil, nil)
	err := d.SendMessage(context.Background(), "nope", "u1", "hi")
	if !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("got %v, want ErrUnknownInstance", err)
	}
}

func TestDispatcher_AddInstanceRequiresSender(t *testing.T) {
	d := NewDispatcher(nil, nil)
	if err := d.AddInstance(Instance{ID: "i1", Type: "telegram"}); !errors.Is(err, ErrNoSender) {
		t.Errorf("got %v, want ErrNoSender", err)
	}
	d.RegisterSender(NewTelegramSender(nil))
	if err := d.AddInstance(Instance{ID: "i1", Type: "telegram"}); err != nil {
		t.Fatal(err)
	}
	if got := d.Instances(); len(got) != 1 || got[0].ID != "i1" {
		t.Errorf("got %+v", got)
	}
	d.RemoveInstance("i1")
	if len(d.Instances()) != 0 {
		t.Error("instance not removed")
	}
}

// --- Telegram ---

func TestTelegram_SendsToBotEndpoint(t *testing.T) {
	srv, calls := recordingServer(t, nil)
	d := NewDispatcher(nil, nil)
	d.RegisterSender(NewTelegramSender(nil))
	if err := d.AddInstance(Instance{ID: "tg", Type: "telegram", Config: map[string]string{
		"bot_token": "T0KEN",
		"api_base":  srv.URL,
	}}); err != nil {
		t.Fatal(err)
	}

	if err := d.SendMessage(context.Background(), "tg", "42", "hello"); err != nil {
		t.Fatal(err)
	}
	got := calls()
	if len(got) != 1 {
		t.Fatalf("got %d calls, want 1", len(got))
	}
	if got[0].path != "/botT0KEN/sendMessage" || got[0].body["chat_id"] != "42" || got[0].body["text"] != "hello" {
		t.Errorf("got %+v", got[0])
	}
}

func TestTelegram_APIError(t *testing.T) {
	srv, _ := recordingServer(t, func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false}`))
	})
	s := NewTelegramSender(nil)
	err := s.Send(context.Background(), &Instance{ID: "tg", Config: map[string]string{"bot_token": "x", "api_base": srv.URL}}, "1", "hi")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("got %v, want 400 error", err)
	}
}

func TestSplitMessage(t *testing.T) {
	text := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	chunks := splitMessage(text, 40)
	if len(chunks) != 2 || chunks[0] != strings.Repeat("a", 30)+"\n" {
		t.Errorf("got %q", chunks)
	}
	if got := splitMessage("short", 40); len(got) != 1 {
		t.Errorf("got %d chunks, want 1", len(got))
	}
}

// --- Slack ---

func TestSlack_OKFalseIsError(t *testing.T) {
	srv, calls := recordingServer(t, func(w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	})
	s := NewSlackSender(nil)
	err := s.Send(context.Background(), &Instance{ID: "sl", Config: map[string]string{"bot_token": "xoxb", "api_url": srv.URL}}, "C1", "hi")
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("got %v, want channel_not_found", err)
	}
	if got := calls(); len(got) != 1 || got[0].auth != "Bearer xoxb" || got[0].body["channel"] != "C1" {
		t.Errorf("got %+v", got)
	}
}

// --- Webhook ---

func TestWebhook_PostsPayload(t *testing.T) {
	srv, calls := recordingServer(t, nil)
	d := NewDispatcher(nil, nil)
	d.RegisterSender(NewWebhookSender(true, nil))
	if err := d.AddInstance(Instance{ID: "wh", Type: "webhook", Config: map[string]string{"url": srv.URL, "secret": "s3"}}); err != nil {
		t.Fatal(err)
	}
	if err := d.SendMessage(context.Background(), "wh", "user-1", "ping"); err != nil {
		t.Fatal(err)
	}
	got := calls()
	if len(got) != 1 || got[0].body["instanceId"] != "wh" || got[0].body["to"] != "user-1" || got[0].auth != "Bearer s3" {
		t.Errorf("got %+v", got)
	}
}

func TestWebhook_PrivateURLBlocked(t *testing.T) {
	srv, calls := recordingServer(t, nil)
	s := NewWebhookSender(false, nil)
	err := s.Send(context.Background(), &Instance{ID: "wh", Config: map[string]string{"url": srv.URL}}, "u", "x")
	if !errors.Is(err, netguard.ErrBlocked) {
		t.Errorf("got %v, want ErrBlocked", err)
	}
	if len(calls()) != 0 {
		t.Error("request should not be sent")
	}
}
