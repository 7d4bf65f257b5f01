package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"uniq/internal/agent"
	"uniq/internal/domain"
	"uniq/internal/security"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramAnswerTimeout  = 5 * time.Minute
	telegramThrottled      = "You are sending questions too quickly. Please wait a minute."
)

const telegramHelp = `Uni-Q answers questions about your courses, exams and campus.

/login <roll number> <password> - link this chat to your account
/logout - unlink this chat
/whoami - show the linked account
/research <topic> - run a web research report
/help - show this message

Once logged in, just send your question.`

// ChatLinker maps Telegram chats to student accounts.
type ChatLinker interface {
	Login(ctx context.Context, chatID int64, rollNo, password string) (domain.Student, error)
	Resolve(ctx context.Context, chatID int64) (domain.StudentContext, bool, error)
	Logout(ctx context.Context, chatID int64) error
}

// ResearchRunner runs research mode end to end.
type ResearchRunner interface {
	Run(ctx context.Context, query string, sink agent.Sink) (domain.ResearchPlan, []domain.WebSearchResult, error)
}

// telegramSender is the part of the bot API the handlers need.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram is the chat front end. Telegram has no incremental delivery, so
// answers are collected in full and sent in chunks.
type Telegram struct {
	token     string
	parseMode string

	links     ChatLinker
	assistant Answerer
	research  ResearchRunner // nil = /research disabled
	limiter   RequestLimiter // nil = unlimited

	sender telegramSender
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	ParseMode string // default Markdown
	Links     ChatLinker
	Assistant Answerer
	Research  ResearchRunner
	Limiter   RequestLimiter // shared with the web API, keyed by roll number
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		parseMode: cfg.ParseMode,
		links:     cfg.Links,
		assistant: cfg.Assistant,
		research:  cfg.Research,
		limiter:   cfg.Limiter,
		logger:    cfg.Logger,
	}
}

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.sender = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			// One goroutine per update keeps a slow answer from blocking
			// other chats.
			go t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if msg.IsCommand() {
		t.handleCommand(ctx, chatID, msg.Command(), strings.TrimSpace(msg.CommandArguments()))
		return
	}

	student, ok, err := t.links.Resolve(ctx, chatID)
	if err != nil {
		t.logger.Error("resolve telegram chat", "chat_id", chatID, "error", err)
		t.sendPlain(chatID, "Something went wrong. Please try again later.")
		return
	}
	if !ok {
		t.sendPlain(chatID, "Please log in first: /login <roll number> <password>")
		return
	}

	if !t.allow(student.RollNo) {
		t.sendPlain(chatID, telegramThrottled)
		return
	}

	t.logger.Info("telegram question received", "chat_id", chatID, "roll_no", student.RollNo, "text_len", len(text))
	t.typing(chatID)

	ctx, cancel := context.WithTimeout(ctx, telegramAnswerTimeout)
	defer cancel()
	var sb strings.Builder
	if _, err := t.assistant.Answer(ctx, text, student, collect(&sb)); err != nil {
		t.logger.Error("telegram answer failed", "chat_id", chatID, "error", err)
		if sb.Len() == 0 {
			t.sendPlain(chatID, "Sorry, I could not answer that right now.")
			return
		}
	}
	t.sendMessage(chatID, sb.String())
}

func (t *Telegram) handleCommand(ctx context.Context, chatID int64, command, args string) {
	switch command {
	case "start", "help":
		t.sendPlain(chatID, telegramHelp)

	case "login":
		roll, password, ok := parseLoginArgs(args)
		if !ok {
			t.sendPlain(chatID, "Usage: /login <roll number> <password>")
			return
		}
		st, err := t.links.Login(ctx, chatID, roll, password)
		switch {
		case err == nil:
			t.sendPlain(chatID, fmt.Sprintf("Welcome, %s! This chat is now linked to %s.", st.Name, st.RollNo))
		case errors.Is(err, security.ErrTooManyAttempts):
			t.sendPlain(chatID, "Too many failed attempts. Please wait a few minutes and try again.")
		case errors.Is(err, security.ErrInvalidCredentials):
			t.sendPlain(chatID, "Invalid roll number or password.")
		default:
			t.logger.Error("telegram login", "chat_id", chatID, "error", err)
			t.sendPlain(chatID, "Login failed. Please try again later.")
		}

	case "logout":
		if err := t.links.Logout(ctx, chatID); err != nil {
			t.logger.Error("telegram logout", "chat_id", chatID, "error", err)
			t.sendPlain(chatID, "Logout failed. Please try again later.")
			return
		}
		t.sendPlain(chatID, "Logged out.")

	case "whoami":
		st, ok, err := t.links.Resolve(ctx, chatID)
		switch {
		case err != nil:
			t.logger.Error("telegram whoami", "chat_id", chatID, "error", err)
			t.sendPlain(chatID, "Something went wrong. Please try again later.")
		case !ok:
			t.sendPlain(chatID, "Not logged in.")
		default:
			t.sendPlain(chatID, describeStudent(st))
		}

	case "research":
		t.handleResearch(ctx, chatID, args)

	default:
		t.sendPlain(chatID, "Unknown command. Type /help for available commands.")
	}
}

func (t *Telegram) allow(rollNo string) bool {
	return t.limiter == nil || t.limiter.Allow("student:"+rollNo)
}

func (t *Telegram) handleResearch(ctx context.Context, chatID int64, query string) {
	if t.research == nil {
		t.sendPlain(chatID, "Research mode is disabled.")
		return
	}
	if query == "" {
		t.sendPlain(chatID, "Usage: /research <topic>")
		return
	}
	student, ok, err := t.links.Resolve(ctx, chatID)
	if err != nil || !ok {
		t.sendPlain(chatID, "Please log in first: /login <roll number> <password>")
		return
	}
	if !t.allow(student.RollNo) {
		t.sendPlain(chatID, telegramThrottled)
		return
	}

	t.sendPlain(chatID, "Researching, this can take a few minutes...")
	t.typing(chatID)

	ctx, cancel := context.WithTimeout(ctx, telegramAnswerTimeout)
	defer cancel()
	var sb strings.Builder
	_, results, err := t.research.Run(ctx, query, collect(&sb))
	if err != nil {
		t.logger.Error("telegram research failed", "chat_id", chatID, "error", err)
		if sb.Len() == 0 {
			t.sendPlain(chatID, "Research failed. Please try again later.")
			return
		}
	}
	t.logger.Info("telegram research done", "chat_id", chatID, "sources", len(results))
	t.sendMessage(chatID, sb.String())
}

func (t *Telegram) typing(chatID int64) {
	_, _ = t.sender.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
}

// sendMessage sends model output with the configured parse mode.
func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk, t.parseMode)
	}
}

// sendPlain sends fixed text that must not be interpreted as markup.
func (t *Telegram) sendPlain(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk, "")
	}
}

// sendChunk sends one message. A markup error falls back to plain text;
// rate limits and transient errors back off and retry.
func (t *Telegram) sendChunk(chatID int64, text, parseMode string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = parseMode

		_, err := t.sender.Send(msg)
		if err == nil {
			return
		}
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
			time.Sleep(retryAfter)
			continue
		}

		if parseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markup rejected, retrying as plain text", "error", err, "parse_mode", parseMode)
			parseMode = ""
			continue
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		t.logger.Error("telegram send failed after retries", "error", err, "attempts", telegramMaxSendRetries+1)
	}
}

// collect returns a sink that appends every fragment to sb.
func collect(sb *strings.Builder) agent.Sink {
	return func(fragment string) error {
		sb.WriteString(fragment)
		return nil
	}
}

// parseLoginArgs splits "/login" arguments into roll number and password.
// The password is everything after the roll number.
func parseLoginArgs(args string) (roll, password string, ok bool) {
	roll, password, found := strings.Cut(strings.TrimSpace(args), " ")
	password = strings.TrimSpace(password)
	if !found || roll == "" || password == "" {
		return "", "", false
	}
	return roll, password, true
}

func describeStudent(st domain.StudentContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s)", st.Name, st.RollNo)
	for _, f := range []struct{ label, value string }{
		{"Department", st.Department},
		{"Branch", st.Branch},
		{"Semester", st.Semester},
	} {
		if f.value != "" {
			fmt.Fprintf(&sb, "\n%s: %s", f.label, f.value)
		}
	}
	return sb.String()
}

// splitMessage cuts msg into pieces of at most maxLen bytes, preferring
// newline boundaries and never splitting a UTF-8 sequence.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		} else {
			for cut > 0 && !utf8.RuneStart(msg[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxLen
			}
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
