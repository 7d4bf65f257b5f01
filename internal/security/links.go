package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"uniq/internal/domain"
	"uniq/internal/memory"
)

// ErrTooManyAttempts means a chat failed to log in too often recently.
var ErrTooManyAttempts = errors.New("too many failed login attempts, try again later")

// LinkStore persists chat links.
type LinkStore interface {
	LinkChat(ctx context.Context, chatID, studentID int64, expiresAt *time.Time) error
	LinkedStudent(ctx context.Context, chatID int64) (domain.Student, error)
	UnlinkChat(ctx context.Context, chatID int64) error
	PurgeExpiredLinks(ctx context.Context) (int64, error)
}

type LinkConfig struct {
	Store       LinkStore
	Auth        *Authenticator
	TTLDays     int           // link lifetime, 0 = default 30
	MaxAttempts int           // failed logins allowed per window, default 5
	Window      time.Duration // default 10m
	Logger      *slog.Logger
}

// LinkService binds Telegram chats to student accounts. A chat that has
// not logged in cannot ask questions.
type LinkService struct {
	store       LinkStore
	auth        *Authenticator
	ttlDays     int
	maxAttempts int
	window      time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	failures map[int64]failedLogins
}

type failedLogins struct {
	Count     int
	ExpiresAt time.Time
}

func NewLinkService(cfg LinkConfig) *LinkService {
	if cfg.TTLDays <= 0 {
		cfg.TTLDays = 30
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LinkService{
		store:       cfg.Store,
		auth:        cfg.Auth,
		ttlDays:     cfg.TTLDays,
		maxAttempts: cfg.MaxAttempts,
		window:      cfg.Window,
		logger:      cfg.Logger,
		now:         time.Now,
		failures:    make(map[int64]failedLogins),
	}
}

// Login checks the credentials and links the chat to the student.
func (ls *LinkService) Login(ctx context.Context, chatID int64, rollNo, password string) (domain.Student, error) {
	if ls.lockedOut(chatID) {
		return domain.Student{}, ErrTooManyAttempts
	}

	st, err := ls.auth.Authenticate(ctx, rollNo, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			ls.recordFailure(chatID)
		}
		return domain.Student{}, err
	}

	ls.mu.Lock()
	delete(ls.failures, chatID)
	ls.mu.Unlock()

	expiresAt := ls.now().UTC().AddDate(0, 0, ls.ttlDays)
	if err := ls.store.LinkChat(ctx, chatID, st.ID, &expiresAt); err != nil {
		return domain.Student{}, fmt.Errorf("link chat: %w", err)
	}
	ls.logger.Info("chat linked", "chat_id", chatID, "roll_no", st.RollNo)
	return st, nil
}

// Resolve returns the student linked to the chat, if any.
func (ls *LinkService) Resolve(ctx context.Context, chatID int64) (domain.StudentContext, bool, error) {
	st, err := ls.store.LinkedStudent(ctx, chatID)
	if err != nil {
		if errors.Is(err, memory.ErrLinkNotFound) {
			return domain.StudentContext{}, false, nil
		}
		return domain.StudentContext{}, false, err
	}
	return st.Context(), true, nil
}

func (ls *LinkService) Logout(ctx context.Context, chatID int64) error {
	if err := ls.store.UnlinkChat(ctx, chatID); err != nil {
		return err
	}
	ls.logger.Info("chat unlinked", "chat_id", chatID)
	return nil
}

func (ls *LinkService) lockedOut(chatID int64) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	f, ok := ls.failures[chatID]
	if !ok {
		return false
	}
	if ls.now().After(f.ExpiresAt) {
		delete(ls.failures, chatID)
		return false
	}
	return f.Count >= ls.maxAttempts
}

func (ls *LinkService) recordFailure(chatID int64) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	f, ok := ls.failures[chatID]
	if !ok || ls.now().After(f.ExpiresAt) {
		f = failedLogins{ExpiresAt: ls.now().Add(ls.window)}
	}
	f.Count++
	ls.failures[chatID] = f
}

// CleanExpired drops stale failure counters and expired links. Call
// periodically.
func (ls *LinkService) CleanExpired(ctx context.Context) error {
	ls.mu.Lock()
	now := ls.now()
	for id, f := range ls.failures {
		if now.After(f.ExpiresAt) {
			delete(ls.failures, id)
		}
	}
	ls.mu.Unlock()

	n, err := ls.store.PurgeExpiredLinks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		ls.logger.Info("expired chat links purged", "count", n)
	}
	return nil
}
