// Package sandbox implements one isolated goja JS context per enabled
// plugin: entry loading per codeType, hook resolution, host capability
// injection, and execution-budget enforcement.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/nbot-dev/nbot/internal/capability"
	"github.com/nbot-dev/nbot/internal/hosterr"
	nplugin "github.com/nbot-dev/nbot/pkg/plugin"
)

const (
	// DefaultSyncBudget bounds a single hook invocation's wall-clock time.
	DefaultSyncBudget = 5 * time.Second
	// DefaultBlockingBudget bounds a blocking capability call made from
	// inside a hook (render_*, http_fetch), independent of the hook's own
	// sync budget.
	DefaultBlockingBudget = 120 * time.Second
)

// knownHooks is the full hook set a sandbox resolves, in the order the spec
// lists them. updateConfig is resolved as an alias of onConfigUpdated, not
// as a separate slot.
var knownHooks = []nplugin.Hook{
	nplugin.HookOnEnable,
	nplugin.HookOnDisable,
	nplugin.HookOnCommand,
	nplugin.HookPreCommand,
	nplugin.HookPreMessage,
	nplugin.HookOnNotice,
	nplugin.HookOnMetaEvent,
	nplugin.HookOnConfigUpdated,
	nplugin.HookOnLlmResponse,
	nplugin.HookOnGroupInfoResponse,
}

// Sandbox is one plugin's isolated JS context. All JS execution for this
// plugin is serialized through mu: goja.Runtime is not goroutine-safe and
// the spec requires per-plugin single-threaded cooperative execution.
type Sandbox struct {
	pluginID string
	vm       *goja.Runtime
	hooks    map[nplugin.Hook]goja.Callable
	logger   *slog.Logger

	syncBudget     time.Duration
	blockingBudget time.Duration

	mu sync.Mutex
}

// Option configures a Sandbox at construction time.
type Option func(*Sandbox)

func WithSyncBudget(d time.Duration) Option     { return func(s *Sandbox) { s.syncBudget = d } }
func WithBlockingBudget(d time.Duration) Option { return func(s *Sandbox) { s.blockingBudget = d } }
func WithLogger(l *slog.Logger) Option          { return func(s *Sandbox) { s.logger = l } }

// New loads source according to codeType, injects the host capability
// namespace bound to pluginID, and resolves whichever hooks the plugin
// object exports.
func New(pluginID string, codeType nplugin.CodeType, source string, surface *capability.Surface, opts ...Option) (*Sandbox, error) {
	sb := &Sandbox{
		pluginID:       pluginID,
		vm:             goja.New(),
		hooks:          make(map[nplugin.Hook]goja.Callable),
		logger:         slog.Default(),
		syncBudget:     DefaultSyncBudget,
		blockingBudget: DefaultBlockingBudget,
	}
	for _, opt := range opts {
		opt(sb)
	}

	hostObj := buildHostNamespace(sb, surface)
	if err := sb.vm.Set("host", hostObj); err != nil {
		return nil, hosterr.Wrap(hosterr.IoError, "injecting host namespace", err)
	}

	exported, err := sb.evaluate(codeType, source)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.InvalidManifest, "loading plugin entry", err)
	}
	if err := sb.resolveHooks(exported); err != nil {
		return nil, err
	}
	return sb, nil
}

func (sb *Sandbox) evaluate(codeType nplugin.CodeType, source string) (goja.Value, error) {
	var wrapped string
	switch codeType {
	case nplugin.CodeTypeModule:
		wrapped = "(function(){ var module = {exports: {}}; var exports = module.exports;\n" +
			source +
			"\n; return (module.exports && module.exports.default !== undefined) ? module.exports.default : module.exports; })()"
	default: // CodeTypeScript
		wrapped = "(function(){\n" + source + "\n})()"
	}
	return sb.vm.RunString(wrapped)
}

func (sb *Sandbox) resolveHooks(exported goja.Value) error {
	obj := exported.ToObject(sb.vm)
	if obj == nil {
		return nil // a plugin may export nothing; every hook is then absent
	}
	for _, name := range knownHooks {
		if fn, ok := lookupCallable(sb.vm, obj, string(name)); ok {
			sb.hooks[name] = fn
		}
	}
	if _, ok := sb.hooks[nplugin.HookOnConfigUpdated]; !ok {
		if fn, ok := lookupCallable(sb.vm, obj, string(nplugin.UpdateConfigAlias())); ok {
			sb.hooks[nplugin.HookOnConfigUpdated] = fn
		}
	}
	return nil
}

func lookupCallable(vm *goja.Runtime, obj *goja.Object, name string) (goja.Callable, bool) {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, false
	}
	return fn, true
}

// Has reports whether the plugin exports hookName.
func (sb *Sandbox) Has(hookName nplugin.Hook) bool {
	_, ok := sb.hooks[hookName]
	return ok
}

// Call invokes hookName with args (already Go-native values, converted via
// vm.ToValue), enforcing the sandbox's sync execution budget. A missing
// hook is a no-op that returns (nil, false, nil): callers use the bool to
// distinguish "absent" from "present but returned undefined".
//
// Unhandled exceptions and budget overruns are converted to a HookFault
// error and never propagate as a goja panic; the sandbox remains usable
// for subsequent calls.
func (sb *Sandbox) Call(ctx context.Context, hookName nplugin.Hook, args ...any) (goja.Value, bool, error) {
	fn, ok := sb.hooks[hookName]
	if !ok {
		return nil, false, nil
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = sb.vm.ToValue(a)
	}

	res, err := sb.runWithBudget(ctx, fn, sb.syncBudget, jsArgs)
	if err != nil {
		sb.logger.Warn("plugin hook fault", "plugin", sb.pluginID, "hook", hookName, "error", err)
		return nil, true, hosterr.Wrap(hosterr.HookFault, fmt.Sprintf("hook %s faulted", hookName), err)
	}
	return res, true, nil
}

// runWithBudget executes fn on an inner goroutine, so ctx/budget expiry can
// Interrupt the VM while the caller waits, and recovers any goja panic.
func (sb *Sandbox) runWithBudget(ctx context.Context, fn goja.Callable, budget time.Duration, args []goja.Value) (res goja.Value, callErr error) {
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("panic: %v", r)
			}
		}()
		res, callErr = fn(goja.Undefined(), args...)
	}()

	select {
	case <-done:
		return res, callErr
	case <-cctx.Done():
		sb.vm.Interrupt("execution budget exceeded")
		<-done
		return nil, fmt.Errorf("exceeded %s budget", budget)
	}
}

// VetoResult interprets a preMessage/preCommand/onNotice return value: a
// hook that returns exactly boolean `false` vetoes; anything else
// (including undefined, a HookFault, or a budget overrun) is a neutral
// "continue" vote.
func VetoResult(v goja.Value, present bool, err error) bool {
	if err != nil || !present || v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return false
	}
	b, ok := v.Export().(bool)
	return ok && !b
}

// MarshalValue converts a goja.Value to a JSON-friendly json.RawMessage,
// used when delivering callback payloads built in Go back out for logging
// or admin introspection.
func MarshalValue(vm *goja.Runtime, v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) {
		return nil, nil
	}
	exported := v.Export()
	b, err := json.Marshal(exported)
	if err != nil {
		return nil, err
	}
	return b, nil
}
