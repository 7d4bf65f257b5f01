package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"uniq/internal/agent"
	"uniq/internal/domain"
	"uniq/internal/security"
)

type sentMessage struct {
	chatID    int64
	text      string
	parseMode string
}

type fakeSender struct {
	mu       sync.Mutex
	messages []sentMessage
	// failMarkup rejects the first message sent with a parse mode.
	failMarkup bool
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, nil // chat actions
	}
	if f.failMarkup && msg.ParseMode != "" {
		f.failMarkup = false
		return tgbotapi.Message{}, errors.New("Bad Request: can't parse entities")
	}
	f.messages = append(f.messages, sentMessage{chatID: msg.ChatID, text: msg.Text, parseMode: msg.ParseMode})
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = m.text
	}
	return out
}

func (f *fakeSender) last() string {
	texts := f.texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

type fakeLinker struct {
	links map[int64]domain.StudentContext
}

func (f *fakeLinker) Login(_ context.Context, chatID int64, roll, pw string) (domain.Student, error) {
	switch {
	case roll == "locked":
		return domain.Student{}, security.ErrTooManyAttempts
	case roll != "21CS042" || pw != "my pass":
		return domain.Student{}, security.ErrInvalidCredentials
	}
	f.links[chatID] = asha
	return domain.Student{ID: 7, RollNo: roll, Name: "Asha"}, nil
}

func (f *fakeLinker) Resolve(_ context.Context, chatID int64) (domain.StudentContext, bool, error) {
	st, ok := f.links[chatID]
	return st, ok, nil
}

func (f *fakeLinker) Logout(_ context.Context, chatID int64) error {
	delete(f.links, chatID)
	return nil
}

type fakeRunner struct{ query string }

func (f *fakeRunner) Run(_ context.Context, q string, sink agent.Sink) (domain.ResearchPlan, []domain.WebSearchResult, error) {
	f.query = q
	return domain.ResearchPlan{}, nil, sink("# Report\n\nfindings")
}

func newTestTelegram() (*Telegram, *fakeSender, *fakeLinker, *fakeAssistant, *fakeRunner) {
	links := &fakeLinker{links: map[int64]domain.StudentContext{}}
	assistant := &fakeAssistant{fragments: []string{"The exam ", "is on Monday."}}
	runner := &fakeRunner{}
	tg := NewTelegram(TelegramConfig{Links: links, Assistant: assistant, Research: runner, Logger: testLogger()})
	sender := &fakeSender{}
	tg.sender = sender
	return tg, sender, links, assistant, runner
}

func textUpdate(chatID int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{Text: text, Chat: &tgbotapi.Chat{ID: chatID}}
	if strings.HasPrefix(text, "/") {
		cmd, _, _ := strings.Cut(text, " ")
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return tgbotapi.Update{Message: msg}
}

func TestTelegram_QuestionRequiresLogin(t *testing.T) {
	tg, sender, _, assistant, _ := newTestTelegram()

	tg.handleUpdate(context.Background(), textUpdate(5, "when is the exam?"))
	if !strings.Contains(sender.last(), "/login") {
		t.Errorf("expected a login prompt, got %q", sender.last())
	}
	if assistant.question != "" {
		t.Error("unlinked chats must not reach the assistant")
	}
}

func TestTelegram_LoginThenAsk(t *testing.T) {
	tg, sender, links, assistant, _ := newTestTelegram()
	ctx := context.Background()

	tg.handleUpdate(ctx, textUpdate(5, "/login 21CS042 my pass"))
	if !strings.Contains(sender.last(), "Welcome, Asha") {
		t.Fatalf("login reply = %q", sender.last())
	}
	if _, ok := links.links[5]; !ok {
		t.Fatal("chat should be linked")
	}

	tg.handleUpdate(ctx, textUpdate(5, "  when is the exam?  "))
	if assistant.question != "when is the exam?" || assistant.student != asha {
		t.Errorf("assistant got %q for %+v", assistant.question, assistant.student)
	}
	last := sender.messages[len(sender.messages)-1]
	if last.text != "The exam is on Monday." || last.parseMode != "Markdown" {
		t.Errorf("answer = %+v", last)
	}

	tg.handleUpdate(ctx, textUpdate(5, "/whoami"))
	if !strings.Contains(sender.last(), "Asha (21CS042)") || !strings.Contains(sender.last(), "Semester: S5") {
		t.Errorf("whoami = %q", sender.last())
	}

	tg.handleUpdate(ctx, textUpdate(5, "/logout"))
	if _, ok := links.links[5]; ok {
		t.Error("chat should be unlinked")
	}
	tg.handleUpdate(ctx, textUpdate(5, "/whoami"))
	if sender.last() != "Not logged in." {
		t.Errorf("whoami after logout = %q", sender.last())
	}
}

func TestTelegram_Throttled(t *testing.T) {
	tg, sender, _, assistant, _ := newTestTelegram()
	tg.limiter = security.NewRateLimiter(1, 1)
	ctx := context.Background()

	tg.handleUpdate(ctx, textUpdate(5, "/login 21CS042 my pass"))
	tg.handleUpdate(ctx, textUpdate(5, "first"))
	tg.handleUpdate(ctx, textUpdate(5, "second"))
	if assistant.question != "first" {
		t.Errorf("throttled question reached the assistant: %q", assistant.question)
	}
	if sender.last() != telegramThrottled {
		t.Errorf("expected throttle notice, got %q", sender.last())
	}
}

func TestTelegram_LoginErrors(t *testing.T) {
	tg, sender, _, _, _ := newTestTelegram()
	ctx := context.Background()

	cases := map[string]string{
		"/login":                 "Usage:",
		"/login 21CS042":         "Usage:",
		"/login 21CS042 wrong":   "Invalid roll number",
		"/login locked whatever": "Too many failed attempts",
		"/frobnicate":            "Unknown command",
	}
	for text, want := range cases {
		tg.handleUpdate(ctx, textUpdate(9, text))
		if !strings.Contains(sender.last(), want) {
			t.Errorf("%q: reply %q, want it to contain %q", text, sender.last(), want)
		}
	}
}

func TestTelegram_Research(t *testing.T) {
	tg, sender, links, _, runner := newTestTelegram()
	ctx := context.Background()

	tg.handleUpdate(ctx, textUpdate(3, "/research qubits"))
	if runner.query != "" {
		t.Error("research should require a linked chat")
	}

	links.links[3] = asha
	tg.handleUpdate(ctx, textUpdate(3, "/research quantum error correction"))
	if runner.query != "quantum error correction" {
		t.Errorf("research query = %q", runner.query)
	}
	if sender.last() != "# Report\n\nfindings" {
		t.Errorf("report = %q", sender.last())
	}

	tg.research = nil
	tg.handleUpdate(ctx, textUpdate(3, "/research anything"))
	if sender.last() != "Research mode is disabled." {
		t.Errorf("disabled reply = %q", sender.last())
	}
}

func TestTelegram_MarkupFallback(t *testing.T) {
	tg, sender, links, _, _ := newTestTelegram()
	links.links[5] = asha
	sender.failMarkup = true

	tg.handleUpdate(context.Background(), textUpdate(5, "exam?"))
	last := sender.messages[len(sender.messages)-1]
	if last.text != "The exam is on Monday." || last.parseMode != "" {
		t.Errorf("expected a plain-text resend, got %+v", last)
	}
}

func TestParseLoginArgs(t *testing.T) {
	roll, pw, ok := parseLoginArgs(" 21CS042   secret with spaces ")
	if !ok || roll != "21CS042" || pw != "secret with spaces" {
		t.Errorf("got %q %q %v", roll, pw, ok)
	}
	if _, _, ok := parseLoginArgs("21CS042"); ok {
		t.Error("missing password should not parse")
	}
}

func TestSplitMessage_Short(t *testing.T) {
	chunks := splitMessage("short message", 100)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
}

func TestSplitMessage_Long(t *testing.T) {
	long := strings.Repeat("word ", 100)
	chunks := splitMessage(long, 50)
	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 50 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
	}
	if strings.Join(chunks, "") != long {
		t.Error("chunks should reassemble to the original")
	}
}

func TestSplitMessage_PrefersNewlines(t *testing.T) {
	msg := strings.Repeat("a", 40) + "\n" + strings.Repeat("b", 40)
	chunks := splitMessage(msg, 50)
	if len(chunks) != 2 || chunks[0] != strings.Repeat("a", 40)+"\n" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestSplitMessage_KeepsRunesWhole(t *testing.T) {
	msg := strings.Repeat("é", 30) // 2 bytes each
	for _, c := range splitMessage(msg, 7) {
		if !strings.HasPrefix(c, "é") || len(c)%2 != 0 {
			t.Errorf("chunk split a rune: %q", c)
		}
	}
}
