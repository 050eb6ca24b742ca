// Package pdf renders post URLs to PDF documents.
package pdf

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// CookieMode controls what happens to cookie consent banners before a
// page is printed.
type CookieMode string

const (
	CookieKeep   CookieMode = "keep"
	CookieRemove CookieMode = "remove"
)

func ParseCookieMode(raw string) (CookieMode, error) {
	switch CookieMode(strings.ToLower(strings.TrimSpace(raw))) {
	case CookieKeep:
		return CookieKeep, nil
	case CookieRemove:
		return CookieRemove, nil
	}
	return "", fmt.Errorf("unknown cookie mode %q (want keep or remove)", raw)
}

type Renderer interface {
	Render(ctx context.Context, url string, mode CookieMode) ([]byte, error)
}

// removeBannersJS hides the usual consent overlays by selector.
const removeBannersJS = `() => {
	const selectors = [
		'[id*="cookie" i]', '[class*="cookie" i]',
		'[id*="consent" i]', '[class*="consent" i]',
		'#onetrust-consent-sdk', '.cc-window', '#CybotCookiebotDialog',
	];
	let removed = 0;
	for (const sel of selectors) {
		for (const el of document.querySelectorAll(sel)) {
			const style = window.getComputedStyle(el);
			if (style.position === 'fixed' || style.position === 'sticky' || el.getAttribute('role') === 'dialog') {
				el.remove();
				removed++;
			}
		}
	}
	document.body.style.overflow = 'auto';
	return removed;
}`

// RodRenderer prints pages through headless Chrome.
type RodRenderer struct {
	BrowserURL string
	Timeout    time.Duration
}

func NewRodRenderer(browserURL string, timeout time.Duration) *RodRenderer {
	return &RodRenderer{BrowserURL: browserURL, Timeout: timeout}
}

func (r *RodRenderer) Render(ctx context.Context, url string, mode CookieMode) ([]byte, error) {
	browser := rod.New().Context(ctx)
	if r.Timeout > 0 {
		browser = browser.Timeout(r.Timeout)
	}
	if r.BrowserURL != "" {
		browser = browser.ControlURL(r.BrowserURL)
	}
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("load page: %w", err)
	}
	if mode == CookieRemove {
		if _, err := page.Eval(removeBannersJS); err != nil {
			return nil, fmt.Errorf("remove cookie banners: %w", err)
		}
	}

	stream, err := page.PDF(&proto.PagePrintToPDF{PrintBackground: true})
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	return data, nil
}
