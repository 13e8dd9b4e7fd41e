package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/chatstream/internal/backend"
	"github.com/user/chatstream/internal/normalize"
	"github.com/user/chatstream/internal/session"
	"github.com/user/chatstream/internal/types"
)

type fakeSender struct {
	mu           sync.Mutex
	sent         []tgbotapi.MessageConfig
	failMarkdown bool
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := c.(tgbotapi.MessageConfig)
	if f.failMarkdown && msg.ParseMode != "" {
		return tgbotapi.Message{}, errors.New("bad markdown")
	}
	f.sent = append(f.sent, msg)
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, m.Text)
	}
	return out
}

type replyGateway struct {
	signals []types.Signal
	openErr error

	mu      sync.Mutex
	queries []backend.Query
}

func (g *replyGateway) Stream(ctx context.Context, q backend.Query) (<-chan types.Signal, error) {
	g.mu.Lock()
	g.queries = append(g.queries, q)
	g.mu.Unlock()
	if g.openErr != nil {
		return nil, &types.GatewayError{Op: "open", Err: g.openErr}
	}
	ch := make(chan types.Signal)
	go func() {
		defer close(ch)
		for _, s := range g.signals {
			select {
			case ch <- s:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func setupAdapter(t *testing.T, gw *replyGateway) (*Adapter, *fakeSender) {
	t.Helper()
	m := session.NewManager(session.Deps{Normalizer: normalize.New(""), Gateway: gw}, session.Config{})
	t.Cleanup(m.Close)
	sender := &fakeSender{}
	return newAdapter(sender, m, "default"), sender
}

func TestConverseReplies(t *testing.T) {
	gw := &replyGateway{signals: []types.Signal{
		types.StageStarted{Code: types.StageCodeGenerating},
		types.TextChunk{Content: "Hello "},
		types.TextChunk{Content: "there"},
	}}
	a, sender := setupAdapter(t, gw)

	a.converse(context.Background(), buildSessionID(1, 2), 2, "hi")

	got := sender.texts()
	if len(got) != 1 || got[0] != "Hello there" {
		t.Fatalf("expected one reply 'Hello there', got %q", got)
	}
	if q := gw.queries[0]; q.PartitionID != "default" || q.Text != "hi" {
		t.Errorf("unexpected query %+v", q)
	}

	// Second turn carries the first as history.
	a.converse(context.Background(), buildSessionID(1, 2), 2, "again")
	if h := gw.queries[1].History; len(h) != 2 || h[0].Content != "hi" || h[1].Content != "Hello there" {
		t.Errorf("expected history of previous turn, got %+v", h)
	}
}

func TestConverseApologizesOnError(t *testing.T) {
	gw := &replyGateway{openErr: errors.New("connection refused")}
	a, sender := setupAdapter(t, gw)

	a.converse(context.Background(), buildSessionID(1, 2), 2, "hi")

	got := sender.texts()
	if len(got) != 1 || got[0] != apology {
		t.Fatalf("expected apology, got %q", got)
	}
}

func TestMarkdownFallback(t *testing.T) {
	a, sender := setupAdapter(t, &replyGateway{})
	sender.failMarkdown = true

	a.sendResponse(5, "*unbalanced")

	if len(sender.sent) != 1 || sender.sent[0].ParseMode != "" {
		t.Fatalf("expected plain-text retry, got %+v", sender.sent)
	}
}

func commandMessage(text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		Text: text,
		Chat: &tgbotapi.Chat{ID: 9},
		From: &tgbotapi.User{ID: 3},
		Entities: []tgbotapi.MessageEntity{
			{Type: "bot_command", Offset: 0, Length: len(text)},
		},
	}
}

func TestStatusCommand(t *testing.T) {
	a, sender := setupAdapter(t, &replyGateway{})

	a.handleMessage(context.Background(), commandMessage("/status"))

	got := sender.texts()
	if len(got) != 1 || !strings.Contains(got[0], "Workers busy: 0/4") {
		t.Fatalf("unexpected status reply %q", got)
	}
}

func TestNewCommandClearsHistory(t *testing.T) {
	a, sender := setupAdapter(t, &replyGateway{})
	a.remember(9, "q", "a")

	a.handleMessage(context.Background(), commandMessage("/new"))

	if h := a.recent(9); len(h) != 0 {
		t.Errorf("expected empty history, got %d", len(h))
	}
	if len(sender.texts()) != 1 {
		t.Errorf("expected one confirmation")
	}
}

func TestRememberCapsHistory(t *testing.T) {
	a, _ := setupAdapter(t, &replyGateway{})
	for i := 0; i < 20; i++ {
		a.remember(1, "q", "a")
	}
	if h := a.recent(1); len(h) != maxHistory {
		t.Errorf("expected %d entries, got %d", maxHistory, len(h))
	}
}

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

func TestSplitMessageKeepsRunes(t *testing.T) {
	long := strings.Repeat("日本", 1500)
	parts := splitMessage(long)
	if strings.Join(parts, "") != long {
		t.Fatal("parts do not reassemble the input")
	}
	for i, p := range parts {
		if !utf8.ValidString(p) {
			t.Errorf("part %d splits a rune", i)
		}
		if len(p) > maxTelegramMessage {
			t.Errorf("part %d too long: %d", i, len(p))
		}
	}
}

func TestBuildSessionID(t *testing.T) {
	id := buildSessionID(12345, 67890)
	if string(id) != "telegram:12345:67890" {
		t.Errorf("expected 'telegram:12345:67890', got %q", id)
	}
}
