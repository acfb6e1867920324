package render

import (
	"bytes"
	"fmt"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var markdownConverter = goldmark.New()

// sanitizer strips any script-bearing markup a plugin's markdown/HTML could
// smuggle through before it reaches the headless browser that screenshots
// it, the same policy wikilite's plugin runtime uses to sanitize
// plugin-rendered HTML.
var sanitizer = bluemonday.UGCPolicy()

func markdownToSafeHTML(title, meta, markdown string) (string, error) {
	var buf bytes.Buffer
	if err := markdownConverter.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render: converting markdown: %w", err)
	}
	body := sanitizer.SanitizeBytes(buf.Bytes())
	return wrapPage(title, meta, string(body)), nil
}

func sanitizeHTML(html string) string {
	return sanitizer.Sanitize(html)
}

const pageTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 24px; color: #1b1b1b; }
h1 { font-size: 22px; margin-bottom: 4px; }
.meta { color: #666; font-size: 13px; margin-bottom: 16px; }
pre { background: #f4f4f4; padding: 8px; border-radius: 4px; overflow-x: auto; }
</style>
</head>
<body>
<h1>%s</h1>
<div class="meta">%s</div>
<div class="body">%s</div>
</body>
</html>`

func wrapPage(title, meta, body string) string {
	return fmt.Sprintf(pageTemplate, sanitizer.Sanitize(title), sanitizer.Sanitize(meta), body)
}
