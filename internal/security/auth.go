// Package security issues and verifies student credentials and links
// Telegram chats to student accounts.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"uniq/internal/domain"
	"uniq/internal/metrics"
)

var (
	ErrInvalidCredentials = errors.New("invalid roll number or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// StudentStore is the subset of the account store the authenticator reads.
type StudentStore interface {
	StudentByRollNo(ctx context.Context, rollNo string) (domain.Student, error)
	StudentByID(ctx context.Context, id int64) (domain.Student, error)
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// claims is the bearer token payload.
type claims struct {
	RollNo     string `json:"roll_no"`
	Name       string `json:"name"`
	Department string `json:"department"`
	Branch     string `json:"branch"`
	Semester   string `json:"semester"`
	jwt.RegisteredClaims
}

// Authenticator logs students in and verifies bearer tokens.
type Authenticator struct {
	students StudentStore
	secret   []byte
	tokenTTL time.Duration
	cache    *TokenCache
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time // token id -> token expiry
}

type AuthenticatorConfig struct {
	Students  StudentStore
	Secret    string
	TokenTTL  time.Duration // default 24h
	CacheTTL  time.Duration // default 5m
	CacheSize int           // default 100
	Logger    *slog.Logger
}

func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if cfg.Students == nil {
		return nil, fmt.Errorf("student store is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Authenticator{
		students: cfg.Students,
		secret:   []byte(cfg.Secret),
		tokenTTL: cfg.TokenTTL,
		cache:    NewTokenCache(cfg.CacheTTL, cfg.CacheSize),
		logger:   cfg.Logger,
		now:      time.Now,
		revoked:  make(map[string]time.Time),
	}, nil
}

// Authenticate checks a roll number and password against the store.
func (a *Authenticator) Authenticate(ctx context.Context, rollNo, password string) (domain.Student, error) {
	rollNo = strings.TrimSpace(rollNo)
	if rollNo == "" || password == "" {
		metrics.AuthFailures.Inc()
		return domain.Student{}, ErrInvalidCredentials
	}
	st, err := a.students.StudentByRollNo(ctx, rollNo)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Student{}, ctx.Err()
		}
		a.logger.Info("login rejected", "roll_no", rollNo, "error", err)
		metrics.AuthFailures.Inc()
		return domain.Student{}, ErrInvalidCredentials
	}
	if !CheckPassword(st.PasswordHash, password) {
		a.logger.Info("login rejected", "roll_no", rollNo, "error", "password mismatch")
		metrics.AuthFailures.Inc()
		return domain.Student{}, ErrInvalidCredentials
	}
	return st, nil
}

// Login authenticates and issues a bearer token.
func (a *Authenticator) Login(ctx context.Context, rollNo, password string) (string, domain.Student, error) {
	st, err := a.Authenticate(ctx, rollNo, password)
	if err != nil {
		return "", domain.Student{}, err
	}
	token, err := a.IssueToken(st)
	if err != nil {
		return "", domain.Student{}, err
	}
	a.logger.Info("student logged in", "roll_no", st.RollNo)
	return token, st, nil
}

// IssueToken signs an HS256 token carrying the student identity.
func (a *Authenticator) IssueToken(st domain.Student) (string, error) {
	now := a.now()
	c := claims{
		RollNo:     st.RollNo,
		Name:       st.Name,
		Department: st.Department,
		Branch:     st.Branch,
		Semester:   st.Semester,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(st.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify resolves a bearer token to the student it was issued to. Verified
// tokens are cached; the account must still exist when the token is first
// seen or after its cache entry expires.
func (a *Authenticator) Verify(ctx context.Context, token string) (domain.StudentContext, error) {
	if token == "" {
		metrics.AuthFailures.Inc()
		return domain.StudentContext{}, ErrInvalidToken
	}
	if e, ok := a.cache.Get(token); ok {
		// Logout may race with the Put below, so revocation is checked on hits too.
		if a.isRevoked(e.jti) {
			a.cache.Delete(token)
			metrics.AuthFailures.Inc()
			return domain.StudentContext{}, ErrInvalidToken
		}
		return e.student, nil
	}

	c, err := a.parse(token)
	if err != nil {
		a.logger.Debug("token rejected", "error", err)
		metrics.AuthFailures.Inc()
		return domain.StudentContext{}, ErrInvalidToken
	}
	if a.isRevoked(c.ID) {
		metrics.AuthFailures.Inc()
		return domain.StudentContext{}, ErrInvalidToken
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		metrics.AuthFailures.Inc()
		return domain.StudentContext{}, ErrInvalidToken
	}
	st, err := a.students.StudentByID(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return domain.StudentContext{}, ctx.Err()
		}
		metrics.AuthFailures.Inc()
		return domain.StudentContext{}, ErrInvalidToken
	}

	sc := st.Context()
	a.cache.Put(token, sc, c.ID, c.ExpiresAt.Time)
	return sc, nil
}

// Logout revokes the token until it would have expired anyway.
func (a *Authenticator) Logout(token string) {
	defer a.cache.Delete(token)
	c, err := a.parse(token)
	if err != nil || c.ID == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	for id, exp := range a.revoked {
		if now.After(exp) {
			delete(a.revoked, id)
		}
	}
	a.revoked[c.ID] = c.ExpiresAt.Time
}

func (a *Authenticator) isRevoked(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.revoked[id]
	return ok
}

func (a *Authenticator) parse(token string) (*claims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// TokenCache remembers verified tokens for a short time, never past the
// token's own expiry. Past capacity the oldest entry is evicted.
type TokenCache struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cachedToken
}

type cachedToken struct {
	student   domain.StudentContext
	jti       string
	storedAt  time.Time
	expiresAt time.Time // zero = bounded by the cache TTL only
}

// NewTokenCache defaults to a 5 minute TTL and 100 entries.
func NewTokenCache(ttl time.Duration, capacity int) *TokenCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if capacity <= 0 {
		capacity = 100
	}
	return &TokenCache{ttl: ttl, capacity: capacity, now: time.Now, entries: make(map[string]cachedToken)}
}

func (c *TokenCache) Get(token string) (cachedToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok {
		return cachedToken{}, false
	}
	now := c.now()
	if now.Sub(e.storedAt) >= c.ttl || (!e.expiresAt.IsZero() && !now.Before(e.expiresAt)) {
		delete(c.entries, token)
		return cachedToken{}, false
	}
	return e, true
}

// Put caches a verified token until the TTL passes or expiresAt is reached,
// whichever comes first.
func (c *TokenCache) Put(token string, sc domain.StudentContext, jti string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = cachedToken{student: sc, jti: jti, storedAt: c.now(), expiresAt: expiresAt}
	for len(c.entries) > c.capacity {
		var oldest string
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldest == "" || e.storedAt.Before(oldestAt) {
				oldest, oldestAt = k, e.storedAt
			}
		}
		delete(c.entries, oldest)
	}
}

func (c *TokenCache) Delete(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, token)
}

func (c *TokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
