package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/chatstream/internal/session"
	"github.com/user/chatstream/internal/types"
)

const (
	maxTelegramMessage = 4096
	maxHistory         = 10

	apology = "Sorry, I encountered an error processing your message."
)

// Sessions is the part of the session manager the adapter drives.
type Sessions interface {
	Open(ctx context.Context, req types.ChatRequest) (*session.Session, error)
	Stats() session.Stats
}

// Sender delivers outgoing messages. *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter bridges Telegram chats to streaming sessions. Each message
// becomes a text request; the streamed text is sent back as one reply.
type Adapter struct {
	bot       *tgbotapi.BotAPI
	sender    Sender
	sessions  Sessions
	partition string

	mu      sync.Mutex
	history map[int64][]types.HistoryMessage

	wg sync.WaitGroup
}

// New creates a Telegram adapter that sends requests to partition.
func New(token string, sessions Sessions, partition string) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, sessions, partition)
	a.bot = bot
	return a, nil
}

func newAdapter(sender Sender, sessions Sessions, partition string) *Adapter {
	return &Adapter{
		sender:    sender,
		sessions:  sessions,
		partition: partition,
		history:   make(map[int64][]types.HistoryMessage),
	}
}

// Start long-polls for Telegram updates until ctx is done, then waits for
// in-flight replies.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)
	defer a.wg.Wait()

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(msg)
		return
	}

	var userID int64
	if msg.From != nil {
		userID = msg.From.ID
	}
	chatID := msg.Chat.ID
	text := msg.Text

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.converse(ctx, buildSessionID(userID, chatID), chatID, text)
	}()
}

// converse runs one session and replies with its text.
func (a *Adapter) converse(ctx context.Context, id types.SessionID, chatID int64, text string) {
	reply, failure, err := a.ask(ctx, id, chatID, text)
	switch {
	case err != nil:
		slog.Error("telegram session failed", "chat_id", chatID, "error", err)
		a.sendResponse(chatID, apology)
	case failure != nil && failure.ErrorCode == types.CodeCancelled:
		slog.Info("telegram reply superseded", "chat_id", chatID)
	case failure != nil:
		slog.Warn("telegram session errored", "chat_id", chatID, "code", string(failure.ErrorCode), "message", failure.Message)
		a.sendResponse(chatID, apology)
	case strings.TrimSpace(reply) == "":
		slog.Info("telegram session produced no text", "chat_id", chatID)
	default:
		a.remember(chatID, text, reply)
		a.sendResponse(chatID, reply)
	}
}

// ask opens a text session and accumulates its text events.
func (a *Adapter) ask(ctx context.Context, id types.SessionID, chatID int64, text string) (string, *types.ErrorData, error) {
	req := types.ChatRequest{
		Query:         text,
		PartitionHint: a.partition,
		ChatType:      types.ChatText,
		History:       a.recent(chatID),
		SessionID:     id,
	}
	sess, err := a.sessions.Open(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var b strings.Builder
	var failure *types.ErrorData
	events := sess.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return b.String(), failure, nil
			}
			switch d := ev.Data.(type) {
			case types.TextData:
				b.WriteString(d.Content)
			case types.ErrorData:
				failure = &d
			}
		case <-ctx.Done():
			sess.Cancel()
			return "", nil, ctx.Err()
		}
	}
}

func (a *Adapter) recent(chatID int64) []types.HistoryMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.history[chatID]
	out := make([]types.HistoryMessage, len(h))
	copy(out, h)
	return out
}

func (a *Adapter) remember(chatID int64, query, reply string) {
	now := time.Now().UTC().Format(time.RFC3339)
	a.mu.Lock()
	defer a.mu.Unlock()
	h := append(a.history[chatID],
		types.HistoryMessage{Role: types.RoleUser, Content: query, Timestamp: now},
		types.HistoryMessage{Role: types.RoleAssistant, Content: reply, Timestamp: now},
	)
	if len(h) > maxHistory {
		h = h[len(h)-maxHistory:]
	}
	a.history[chatID] = h
}

func (a *Adapter) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! Send me a message and I'll answer from your memories.")

	case "new":
		a.mu.Lock()
		delete(a.history, chatID)
		a.mu.Unlock()
		a.sendResponse(chatID, "Starting a new conversation.")

	case "status":
		st := a.sessions.Stats()
		a.sendResponse(chatID, fmt.Sprintf("Active sessions: %d\nWorkers busy: %d/%d\nAccepted: %d",
			st.Active, st.Busy, st.Workers, st.Accepted))

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /new, /status")
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.sender.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.sender.Send(msg); err != nil {
				slog.Error("telegram send failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

// splitMessage cuts text into Telegram-sized parts without splitting runes.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end >= len(text) {
			parts = append(parts, text)
			break
		}
		for end > 0 && !utf8.RuneStart(text[end]) {
			end--
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func buildSessionID(userID, chatID int64) types.SessionID {
	return types.SessionID("telegram:" + strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(chatID, 10))
}
