// Package capability implements the host capability surface exposed into
// every plugin sandbox as a single namespace: synchronous functions that
// return immediately, and asynchronous ones that return a dispatch ack and
// deliver their result later through the request broker.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nbot-dev/nbot/internal/broker"
	"github.com/nbot-dev/nbot/internal/hosterr"
	"github.com/nbot-dev/nbot/internal/kv"
	"github.com/nbot-dev/nbot/internal/pluginlog"
	nplugin "github.com/nbot-dev/nbot/pkg/plugin"
)

// Transport is the outbound half of the opaque transport adapter contract:
// send actions and mention-token formatting.
type Transport interface {
	At(userID int64) string
	SendMessage(ctx context.Context, groupID int64, content string) error
	SendReply(ctx context.Context, userID, groupID int64, content string) error
	SendForwardMessage(ctx context.Context, userID, groupID int64, nodes json.RawMessage) error
	CallAPI(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error)
}

// Renderer is the blocking HTML/Markdown -> image capability.
type Renderer interface {
	RenderMarkdownImage(ctx context.Context, title, meta, markdown string, width int) ([]byte, error)
	RenderHTMLImage(ctx context.Context, html string, width, quality int) ([]byte, error)
}

// AsyncGateway dispatches an asynchronous capability call to an external
// collaborator (LLM gateway or transport adapter info-query). wireRequestID
// is the broker-internal id the collaborator must echo back; it is distinct
// from the plugin's own request id.
type AsyncGateway interface {
	Dispatch(ctx context.Context, kind nplugin.RequestKind, wireRequestID string, payload map[string]any) error
}

// ConfigHost is the registry-side hook for get_config/set_config: set_config
// persists the new config into the manifest and the in-memory entry that
// get_config reads. It does not invoke onConfigUpdated.
type ConfigHost interface {
	GetConfig(pluginID string) (json.RawMessage, error)
	SetConfig(ctx context.Context, pluginID string, cfg json.RawMessage) error
}

// Surface is the capability namespace injected into every sandbox. One
// Surface instance is shared across all plugins; every method is pluginID
// scoped by its first argument rather than by construction, since the same
// Surface backs every sandbox.
type Surface struct {
	broker    *broker.Broker
	kv        *kv.Store
	transport Transport
	renderer  Renderer
	gateway   AsyncGateway
	config    ConfigHost
	logger    *slog.Logger
	logs      *pluginlog.Buffer
	http      *http.Client

	fetchSemMu sync.Mutex
	fetchSem   map[string]chan struct{}
	maxConcurrentFetch int
}

// Option configures a Surface, mirroring the teacher's functional-option
// HostAPI construction style.
type Option func(*Surface)

func WithBroker(b *broker.Broker) Option     { return func(s *Surface) { s.broker = b } }
func WithKV(k *kv.Store) Option              { return func(s *Surface) { s.kv = k } }
func WithTransport(t Transport) Option       { return func(s *Surface) { s.transport = t } }
func WithRenderer(r Renderer) Option         { return func(s *Surface) { s.renderer = r } }
func WithAsyncGateway(g AsyncGateway) Option { return func(s *Surface) { s.gateway = g } }
func WithConfigHost(c ConfigHost) Option     { return func(s *Surface) { s.config = c } }

// SetConfigHost wires the registry in after construction, since the
// registry's own constructor needs an already-built Surface to hand to
// every sandbox it loads.
func (s *Surface) SetConfigHost(c ConfigHost) { s.config = c }
func WithLogger(l *slog.Logger) Option       { return func(s *Surface) { s.logger = l } }
func WithLogBuffer(b *pluginlog.Buffer) Option { return func(s *Surface) { s.logs = b } }
func WithHTTPClient(c *http.Client) Option   { return func(s *Surface) { s.http = c } }
func WithMaxConcurrentFetch(n int) Option    { return func(s *Surface) { s.maxConcurrentFetch = n } }

// New builds a Surface with the given options.
func New(opts ...Option) *Surface {
	s := &Surface{
		logger:             slog.Default(),
		logs:               pluginlog.Global(),
		http:               &http.Client{Timeout: 30 * time.Second},
		fetchSem:           make(map[string]chan struct{}),
		maxConcurrentFetch: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- synchronous capabilities ---

// At produces the transport-specific mention token for userID.
func (s *Surface) At(userID int64) string {
	if s.transport == nil {
		return fmt.Sprintf("@%d", userID)
	}
	return s.transport.At(userID)
}

// Now returns monotonic milliseconds since epoch per the host clock.
func (s *Surface) Now() int64 {
	return time.Now().UnixMilli()
}

// LogLevel enumerates the levels the log.* capability group accepts.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Log appends a plugin-tagged entry to both the structured logger and the
// in-process ring buffer the admin surface reads from.
func (s *Surface) Log(pluginID string, level LogLevel, message string, fields map[string]any) {
	attrs := make([]any, 0, len(fields)*2+2)
	attrs = append(attrs, "plugin", pluginID)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	switch level {
	case LogDebug:
		s.logger.Debug(message, attrs...)
	case LogWarn:
		s.logger.Warn(message, attrs...)
	case LogError:
		s.logger.Error(message, attrs...)
	default:
		s.logger.Info(message, attrs...)
	}
	if s.logs != nil {
		s.logs.Log(pluginID, string(level), message, fields)
	}
}

// GetConfig returns the plugin's current config object.
func (s *Surface) GetConfig(pluginID string) (json.RawMessage, error) {
	if s.config == nil {
		return json.RawMessage("{}"), nil
	}
	return s.config.GetConfig(pluginID)
}

// SetConfig persists cfg through the ConfigHost; no schema validation is
// applied. Returns false (not an error) when no ConfigHost is wired or it
// reports an error, matching the sandbox boundary rule that capability
// calls never throw.
func (s *Surface) SetConfig(ctx context.Context, pluginID string, cfg json.RawMessage) bool {
	if s.config == nil {
		return false
	}
	return s.config.SetConfig(ctx, pluginID, cfg) == nil
}

// StorageGet/Set/Delete implement the storage.* capability group.
func (s *Surface) StorageGet(pluginID, key string) (json.RawMessage, error) {
	if s.kv == nil {
		return nil, nil
	}
	return s.kv.Get(pluginID, key)
}

func (s *Surface) StorageSet(pluginID, key string, value json.RawMessage) error {
	if s.kv == nil {
		return hosterr.New(hosterr.IoError, "no storage backend configured")
	}
	return s.kv.Set(pluginID, key, value)
}

func (s *Surface) StorageDelete(pluginID, key string) error {
	if s.kv == nil {
		return nil
	}
	return s.kv.Delete(pluginID, key)
}

// SendMessage enqueues an outbound group message; returns only a dispatch
// ack (the transport's own delivery confirmation, if any, is out of scope).
func (s *Surface) SendMessage(ctx context.Context, groupID int64, content string) error {
	if s.transport == nil {
		return hosterr.New(hosterr.IoError, "no transport configured")
	}
	return s.transport.SendMessage(ctx, groupID, content)
}

func (s *Surface) SendReply(ctx context.Context, userID, groupID int64, content string) error {
	if s.transport == nil {
		return hosterr.New(hosterr.IoError, "no transport configured")
	}
	return s.transport.SendReply(ctx, userID, groupID, content)
}

func (s *Surface) SendForwardMessage(ctx context.Context, userID, groupID int64, nodes json.RawMessage) error {
	if s.transport == nil {
		return hosterr.New(hosterr.IoError, "no transport configured")
	}
	return s.transport.SendForwardMessage(ctx, userID, groupID, nodes)
}

func (s *Surface) CallAPI(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
	if s.transport == nil {
		return nil, hosterr.New(hosterr.IoError, "no transport configured")
	}
	return s.transport.CallAPI(ctx, action, params)
}

// RenderMarkdownImage blocks on the render pipeline and returns PNG bytes.
func (s *Surface) RenderMarkdownImage(ctx context.Context, title, meta, markdown string, width int) ([]byte, error) {
	if s.renderer == nil {
		return nil, hosterr.New(hosterr.IoError, "no renderer configured")
	}
	return s.renderer.RenderMarkdownImage(ctx, title, meta, markdown, width)
}

func (s *Surface) RenderHTMLImage(ctx context.Context, html string, width, quality int) ([]byte, error) {
	if s.renderer == nil {
		return nil, hosterr.New(hosterr.IoError, "no renderer configured")
	}
	return s.renderer.RenderHTMLImage(ctx, html, width, quality)
}

// HTTPFetch performs a blocking fetch subject to a per-plugin concurrency
// cap (excess callers block until a slot frees, bounded by the caller's
// own hook execution budget via ctx).
func (s *Surface) HTTPFetch(ctx context.Context, pluginID, url string, timeoutMs int) (int, []byte, error) {
	sem := s.semFor(pluginID)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}

	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, hosterr.Wrap(hosterr.IoError, "building request", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, hosterr.Wrap(hosterr.IoError, "fetch failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, hosterr.Wrap(hosterr.IoError, "reading response", err)
	}
	return resp.StatusCode, body, nil
}

func (s *Surface) semFor(pluginID string) chan struct{} {
	s.fetchSemMu.Lock()
	defer s.fetchSemMu.Unlock()
	sem, ok := s.fetchSem[pluginID]
	if !ok {
		n := s.maxConcurrentFetch
		if n <= 0 {
			n = 4
		}
		sem = make(chan struct{}, n)
		s.fetchSem[pluginID] = sem
	}
	return sem
}

// --- asynchronous capabilities ---

// CallLlmChat issues the llm_chat async capability and returns a dispatch
// ack; the result arrives later via onLlmResponse.
func (s *Surface) CallLlmChat(ctx context.Context, pluginID, requestID string, messages json.RawMessage, opts json.RawMessage) error {
	return s.issueAsync(ctx, pluginID, nplugin.KindLLMChat, requestID, map[string]any{"messages": messages, "opts": opts})
}

func (s *Surface) CallLlmChatWithSearch(ctx context.Context, pluginID, requestID string, messages json.RawMessage, opts json.RawMessage) error {
	return s.issueAsync(ctx, pluginID, nplugin.KindLLMChatSearch, requestID, map[string]any{"messages": messages, "opts": opts})
}

// CallLlmForward dispatches one of the call_llm_forward* family; kindHint
// names the specific forward variant for logging/metrics, payload carries
// whatever that variant needs (media bundle, archive URL, etc). All forward
// variants share the llm_chat delivery contract (onLlmResponse).
func (s *Surface) CallLlmForward(ctx context.Context, pluginID, requestID, kindHint string, payload map[string]any) error {
	payload["forwardKind"] = kindHint
	return s.issueAsync(ctx, pluginID, nplugin.KindLLMChat, requestID, payload)
}

func (s *Surface) FetchGroupNotice(ctx context.Context, pluginID, requestID string, groupID int64, limit int) error {
	return s.issueAsync(ctx, pluginID, nplugin.KindGroupNotice, requestID, map[string]any{"groupId": groupID, "limit": limit})
}

func (s *Surface) FetchGroupHistory(ctx context.Context, pluginID, requestID string, groupID int64, count int) error {
	return s.issueAsync(ctx, pluginID, nplugin.KindGroupHistory, requestID, map[string]any{"groupId": groupID, "count": count})
}

func (s *Surface) FetchGroupFiles(ctx context.Context, pluginID, requestID string, groupID int64) error {
	return s.issueAsync(ctx, pluginID, nplugin.KindGroupFiles, requestID, map[string]any{"groupId": groupID})
}

func (s *Surface) FetchGroupFileURL(ctx context.Context, pluginID, requestID string, groupID int64, fileID string) error {
	return s.issueAsync(ctx, pluginID, nplugin.KindGroupFileURL, requestID, map[string]any{"groupId": groupID, "fileId": fileID})
}

func (s *Surface) FetchGroupMemberList(ctx context.Context, pluginID, requestID string, groupID int64) error {
	return s.issueAsync(ctx, pluginID, nplugin.KindGroupMemberList, requestID, map[string]any{"groupId": groupID})
}

func (s *Surface) FetchFriendList(ctx context.Context, pluginID, requestID string) error {
	return s.issueAsync(ctx, pluginID, nplugin.KindFriendList, requestID, nil)
}

func (s *Surface) FetchGroupList(ctx context.Context, pluginID, requestID string) error {
	return s.issueAsync(ctx, pluginID, nplugin.KindGroupList, requestID, nil)
}

func (s *Surface) DownloadFile(ctx context.Context, pluginID, requestID, url string) error {
	return s.issueAsync(ctx, pluginID, nplugin.KindDownloadFile, requestID, map[string]any{"url": url})
}

func (s *Surface) issueAsync(ctx context.Context, pluginID string, kind nplugin.RequestKind, requestID string, payload map[string]any) error {
	if s.broker == nil {
		return hosterr.New(hosterr.IoError, "no request broker configured")
	}
	wireID := s.broker.Issue(pluginID, kind, requestID, 0)
	if s.gateway == nil {
		s.broker.Resolve(wireID, false, "", "no gateway configured", nil, string(kind))
		return hosterr.New(hosterr.IoError, "no async gateway configured")
	}
	if err := s.gateway.Dispatch(ctx, kind, wireID, payload); err != nil {
		s.broker.Resolve(wireID, false, "", err.Error(), nil, string(kind))
		return err
	}
	return nil
}

// CoerceInt64 implements the numeric coercion rule for capability
// parameters: number or numeric string -> int64; anything else (including
// non-numeric strings, null, undefined) -> 0.
func CoerceInt64(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case float32:
		return int64(x)
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
