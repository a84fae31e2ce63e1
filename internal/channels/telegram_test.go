package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JaisonBinns/nanoclaw/internal/bus"
	"github.com/JaisonBinns/nanoclaw/internal/config"
)

type fakeTelegram struct {
	mu      sync.Mutex
	sent    []string
	actions int
	served  bool
}

func (f *fakeTelegram) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		_ = r.ParseForm()
		f.mu.Lock()
		defer f.mu.Unlock()
		switch method {
		case "getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":42,"is_bot":true,"username":"andy_bot"}}`))
		case "getUpdates":
			if f.served {
				f.mu.Unlock()
				select {
				case <-r.Context().Done():
				case <-time.After(200 * time.Millisecond):
				}
				f.mu.Lock()
				_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
				return
			}
			f.served = true
			_, _ = w.Write([]byte(`{"ok":true,"result":[
				{"update_id":7,"message":{"message_id":1,"from":{"id":5,"first_name":"Ann"},"chat":{"id":-100,"type":"group","title":"Family"},"date":1760000000,"text":"hello"}},
				{"update_id":8,"message":{"message_id":2,"from":{"id":42,"first_name":"Andy"},"chat":{"id":-100,"type":"group","title":"Family"},"date":1760000001,"text":"Andy: hi"}},
				{"update_id":9,"message":{"message_id":3,"from":{"id":5,"first_name":"Ann"},"chat":{"id":5,"type":"private","first_name":"Ann","last_name":"Lee"},"date":1760000002,"caption":"a photo"}}
			]}`))
		case "sendMessage":
			f.sent = append(f.sent, r.PostForm.Get("text"))
			_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
		case "sendChatAction":
			f.actions++
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"ok":false,"description":"not found"}`))
		}
	})
}

func TestTelegramInboundAndOutbound(t *testing.T) {
	fake := &fakeTelegram{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	b := bus.NewMessageBus()
	tg := NewTelegramChannel(config.TelegramConfig{Enabled: true, Token: "T", APIBase: srv.URL}, b)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tg.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tg.Disconnect()

	var got []*bus.InboundMessage
	for len(got) < 3 {
		msg, err := b.ConsumeInbound(ctx)
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		got = append(got, msg)
	}
	if got[0].ChatID != "-100" || got[0].ChatName != "Family" || got[0].SenderName != "Ann" || got[0].IsFromMe {
		t.Fatalf("unexpected first message: %+v", got[0])
	}
	if !got[1].IsFromMe {
		t.Fatal("bot's own message should be flagged")
	}
	if got[2].Content != "a photo" || got[2].ChatName != "Ann Lee" {
		t.Fatalf("caption or private chat name not handled: %+v", got[2])
	}

	if err := tg.SendMessage(ctx, "-100", strings.Repeat("z", telegramMaxLength+10)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := tg.SetTyping(ctx, "-100", true); err != nil {
		t.Fatal(err)
	}
	_ = tg.SetTyping(ctx, "-100", false)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sent) != 2 || !strings.HasPrefix(fake.sent[0], "[1/2] ") || !strings.HasPrefix(fake.sent[1], "[2/2] ") {
		t.Fatalf("expected two prefixed chunks, got %d", len(fake.sent))
	}
	if fake.actions != 1 {
		t.Fatalf("typing off should not call the API, actions=%d", fake.actions)
	}
}

func TestTelegramSendBeforeConnect(t *testing.T) {
	tg := NewTelegramChannel(config.TelegramConfig{Token: "T"}, bus.NewMessageBus())
	if err := tg.SendMessage(context.Background(), "-100", "hi"); err == nil {
		t.Fatal("expected error when not connected")
	}
	if err := tg.Disconnect(); err != nil {
		t.Fatal(err)
	}
}

func TestTelegramConnectRejectsBadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	defer srv.Close()
	tg := NewTelegramChannel(config.TelegramConfig{Token: "bad", APIBase: srv.URL}, bus.NewMessageBus())
	if err := tg.Connect(context.Background()); err == nil {
		t.Fatal("expected getMe failure")
	}
}

func TestTelegramOwnsChatID(t *testing.T) {
	tg := NewTelegramChannel(config.TelegramConfig{}, bus.NewMessageBus())
	for id, want := range map[string]bool{"123": true, "-100200": true, "1@g.us": false, "slack:C1": false, "": false} {
		if got := tg.OwnsChatID(id); got != want {
			t.Errorf("OwnsChatID(%q) = %v", id, got)
		}
	}
}
