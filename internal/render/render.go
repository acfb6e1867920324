// Package render implements the blocking markdown/HTML -> image capability
// plugins call through capability.Surface: goldmark turns markdown into
// HTML, bluemonday sanitizes any HTML (plugin-authored or goldmark's
// output), a pooled headless Chromium page screenshots it, and govips
// resizes/re-encodes the screenshot to the width and quality the plugin
// asked for.
package render

import (
	"context"
	"fmt"
	"log/slog"
)

// Renderer wires the markdown/HTML -> image pipeline together.
type Renderer struct {
	pool        *browserPool
	logger      *slog.Logger
	defaultQual int
}

// Option configures a Renderer at construction time.
type Option func(*Renderer)

// WithMaxBrowsers bounds how many concurrent headless pages are kept alive.
func WithMaxBrowsers(n int) Option {
	return func(r *Renderer) { r.pool.max = n }
}

// WithLogger sets the structured logger used for render failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Renderer) { r.logger = l }
}

// WithDefaultJPEGQuality sets the JPEG quality used when RenderHTMLImage is
// called with quality <= 0.
func WithDefaultJPEGQuality(q int) Option {
	return func(r *Renderer) { r.defaultQual = q }
}

// New starts a headless Chromium pool and returns a ready Renderer. Call
// Close when the host shuts down.
func New(opts ...Option) (*Renderer, error) {
	pool, err := newBrowserPool(3)
	if err != nil {
		return nil, err
	}
	r := &Renderer{pool: pool, logger: slog.Default(), defaultQual: 80}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close shuts down the browser pool. The libvips runtime, once started by
// a resize, is not shut down.
func (r *Renderer) Close() error {
	return r.pool.close()
}

// RenderMarkdownImage converts markdown to sanitized HTML, wraps it in a
// titled page, screenshots it and returns a PNG sized to width.
func (r *Renderer) RenderMarkdownImage(ctx context.Context, title, meta, markdown string, width int) ([]byte, error) {
	html, err := markdownToSafeHTML(title, meta, markdown)
	if err != nil {
		return nil, err
	}
	shot, err := r.pool.screenshotHTML(ctx, html, width)
	if err != nil {
		r.logger.Warn("markdown render failed", "error", err, "width", width)
		return nil, fmt.Errorf("render: markdown image: %w", err)
	}
	return resizeAndEncode(shot, width, 0)
}

// RenderHTMLImage sanitizes plugin-supplied HTML, screenshots it and
// returns a JPEG sized to width at the given quality (1-100; <= 0 uses the
// Renderer's default).
func (r *Renderer) RenderHTMLImage(ctx context.Context, html string, width, quality int) ([]byte, error) {
	safe := sanitizeHTML(html)
	shot, err := r.pool.screenshotHTML(ctx, safe, width)
	if err != nil {
		r.logger.Warn("html render failed", "error", err, "width", width)
		return nil, fmt.Errorf("render: html image: %w", err)
	}
	if quality <= 0 {
		quality = r.defaultQual
	}
	return resizeAndEncode(shot, width, quality)
}
