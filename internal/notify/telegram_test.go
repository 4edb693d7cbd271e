package notify_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/lobwife/internal/bus"
	"github.com/basket/lobwife/internal/notify"
)

type sent struct {
	chatID string
	text   string
}

type fakeBotAPI struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"lobwife","username":"lobwife_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		_ = r.ParseForm()
		f.mu.Lock()
		f.msgs = append(f.msgs, sent{chatID: r.FormValue("chat_id"), text: r.FormValue("text")})
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":1,"type":"private"}}}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBotAPI) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

func newTelegram(t *testing.T, alertChats []int64) (*notify.Telegram, *fakeBotAPI) {
	t.Helper()
	fake := &fakeBotAPI{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	tg, err := notify.NewTelegram(notify.Config{
		Token:       "123:abc",
		AlertChats:  alertChats,
		APIEndpoint: srv.URL + "/bot%s/%s",
	}, srv.Client(), nil)
	if err != nil {
		t.Fatalf("new telegram: %v", err)
	}
	return tg, fake
}

func TestTelegram_Notify(t *testing.T) {
	tg, fake := newTelegram(t, nil)
	if err := tg.Notify(context.Background(), "-100200", "[task-manager] Re-queued T4"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	msgs := fake.messages()
	if len(msgs) != 1 || msgs[0].chatID != "-100200" || msgs[0].text != "[task-manager] Re-queued T4" {
		t.Fatalf("sent = %+v", msgs)
	}
	if err := tg.Notify(context.Background(), "not-a-chat", "x"); err == nil {
		t.Fatal("expected error for non-numeric thread ref")
	}
}

func TestTelegram_JobFailureAlerts(t *testing.T) {
	tg, fake := newTelegram(t, []int64{11, 22})
	b := bus.New()
	tg.SubscribeToEvents(b)
	defer tg.Close()

	b.Publish(bus.TopicJobFinished, bus.JobFinished{Name: "review-prs", Status: "success", Duration: 1})
	b.Publish(bus.TopicJobFinished, bus.JobFinished{Name: "flush-logs", Status: "timeout", Duration: 300})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(fake.messages()) < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	msgs := fake.messages()
	if len(msgs) != 2 {
		t.Fatalf("sent = %+v", msgs)
	}
	for _, m := range msgs {
		if !strings.Contains(m.text, "flush-logs") || !strings.Contains(m.text, "timeout") {
			t.Fatalf("alert text = %q", m.text)
		}
	}
}
