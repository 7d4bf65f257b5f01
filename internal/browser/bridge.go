// Package browser renders web pages with headless Chrome for research
// results whose search provider returned no content.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Bridge manages one shared headless Chrome process; every render opens a
// fresh tab in it.
type Bridge struct {
	profileDir  string
	pageTimeout time.Duration
	settle      time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	browserCtx  context.Context
	tabCancel   context.CancelFunc
}

type BridgeConfig struct {
	ProfileDir  string        // Chrome user data directory
	PageTimeout time.Duration // per page, default 30s
	Settle      time.Duration // wait after load for client-side rendering, default 1s
	Logger      *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".uniq", "chrome-profile")
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	} else if cfg.Settle == 0 {
		cfg.Settle = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		profileDir:  cfg.ProfileDir,
		pageTimeout: cfg.PageTimeout,
		settle:      cfg.Settle,
		logger:      cfg.Logger,
	}
}

// AllocatorOptions are the Chrome flags used for every render.
func (b *Bridge) AllocatorOptions() []chromedp.ExecAllocatorOption {
	return append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Headless,
		chromedp.DisableGPU,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.UserAgent(userAgent),
	)
}

// browser starts Chrome on first use.
func (b *Bridge) browser() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx != nil {
		return b.browserCtx, nil
	}
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.AllocatorOptions()...)
	browserCtx, tabCancel := chromedp.NewContext(allocCtx)
	// Run with no actions launches the browser.
	if err := chromedp.Run(browserCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	b.allocCancel = allocCancel
	b.browserCtx, b.tabCancel = browserCtx, tabCancel
	b.logger.Info("headless chrome started", "profile", b.profileDir)
	return browserCtx, nil
}

// RenderText loads url in a new tab and returns the HTML of the rendered
// document.
func (b *Bridge) RenderText(ctx context.Context, url string) (string, error) {
	browserCtx, err := b.browser()
	if err != nil {
		return "", err
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, b.pageTimeout)
	defer cancelTimeout()

	// Tie the tab to the caller's context as well.
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var html string
	err = chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("render %s: %w", url, err)
	}
	b.logger.Debug("page rendered", "url", url, "bytes", len(html))
	return html, nil
}

// Close shuts Chrome down if it was started.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tabCancel != nil {
		b.tabCancel()
		b.allocCancel()
		b.browserCtx, b.tabCancel, b.allocCancel = nil, nil, nil
	}
}
