package render

import (
	"context"
	"fmt"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// browserPool manages a small pool of headless Chromium pages so concurrent
// render requests don't each pay browser launch cost, mirroring the
// acquire/release pool idiom used for headless-browser tooling elsewhere in
// the retrieval pack.
type browserPool struct {
	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	pages   chan playwright.Page
	max     int
	created int
}

func newBrowserPool(maxInstances int) (*browserPool, error) {
	if maxInstances <= 0 {
		maxInstances = 3
	}
	if err := playwright.Install(&playwright.RunOptions{Verbose: false}); err != nil {
		return nil, fmt.Errorf("render: installing playwright: %w", err)
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("render: starting playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("render: launching chromium: %w", err)
	}
	return &browserPool{
		pw:      pw,
		browser: browser,
		pages:   make(chan playwright.Page, maxInstances),
		max:     maxInstances,
	}, nil
}

func (p *browserPool) acquire(ctx context.Context) (playwright.Page, error) {
	p.mu.Lock()
	select {
	case page := <-p.pages:
		p.mu.Unlock()
		return page, nil
	default:
	}
	if p.created < p.max {
		p.created++
		p.mu.Unlock()
		page, err := p.browser.NewPage()
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, fmt.Errorf("render: opening page: %w", err)
		}
		return page, nil
	}
	p.mu.Unlock()

	select {
	case page := <-p.pages:
		return page, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *browserPool) release(page playwright.Page) {
	select {
	case p.pages <- page:
	default:
		_ = page.Close()
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
	}
}

func (p *browserPool) close() error {
	close(p.pages)
	for page := range p.pages {
		_ = page.Close()
	}
	if err := p.browser.Close(); err != nil {
		return err
	}
	return p.pw.Stop()
}

// screenshotHTML renders html in a pooled headless page and returns a PNG
// sized to width at the default (full content height) viewport.
func (p *browserPool) screenshotHTML(ctx context.Context, html string, width int) ([]byte, error) {
	page, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(page)

	if err := page.SetViewportSize(width, 1); err != nil {
		return nil, fmt.Errorf("render: setting viewport: %w", err)
	}
	if err := page.SetContent(html, playwright.PageSetContentOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
	}); err != nil {
		return nil, fmt.Errorf("render: loading html: %w", err)
	}

	shot, err := page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Type:     playwright.ScreenshotTypePng,
	})
	if err != nil {
		return nil, fmt.Errorf("render: capturing screenshot: %w", err)
	}
	return shot, nil
}
