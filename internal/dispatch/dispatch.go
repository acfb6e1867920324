// Package dispatch implements the routing table between inbound transport
// events and the sandboxes of enabled plugins: ordered fan-out with veto
// semantics for message/notice, command ownership for command, no-veto
// broadcast for meta_event, and single-plugin routing for async capability
// callbacks. A hook that throws or exceeds its execution budget counts as
// "no vote" — it neither vetoes nor stops the chain.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nbot-dev/nbot/internal/sandbox"
	nplugin "github.com/nbot-dev/nbot/pkg/plugin"
)

// Registry is the subset of internal/registry.Registry the dispatcher
// needs: the enabled-plugin roster and their live sandboxes.
type Registry interface {
	EnabledOrder() []string
	CommandOwners(command string) []string
	Sandbox(id string) (*sandbox.Sandbox, bool)
}

// Dispatcher fans inbound events out to enabled plugin sandboxes per the
// dispatch table, and implements broker.Deliverer to route resolved or
// timed-out async capability requests back to the issuing plugin.
type Dispatcher struct {
	registry Registry
	logger   *slog.Logger

	vetoCounter    *prometheus.CounterVec
	faultCounter   *prometheus.CounterVec
	hookDuration   *prometheus.HistogramVec
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// New constructs a Dispatcher over registry. reg may be nil to skip
// Prometheus registration (e.g. in tests).
func New(registry Registry, reg prometheus.Registerer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
		vetoCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbot_dispatch_vetoes_total",
			Help: "Total events halted by a plugin hook veto, by hook.",
		}, []string{"hook"}),
		faultCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbot_dispatch_hook_faults_total",
			Help: "Total hook invocations that threw or exceeded their budget, by hook.",
		}, []string{"hook"}),
		hookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nbot_dispatch_hook_duration_seconds",
			Help:    "Wall-clock duration of a single hook invocation, by hook.",
			Buckets: prometheus.DefBuckets,
		}, []string{"hook"}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if reg != nil {
		reg.MustRegister(d.vetoCounter, d.faultCounter, d.hookDuration)
	}
	return d
}

// jsArg round-trips a Go event/response struct through JSON so the sandbox
// sees the json-tagged field names (requestId, message_type, ...) rather
// than goja's default of the Go struct's capitalized field names — the
// runtime has no FieldNameMapper configured, so structs must cross into JS
// as plain maps.
func jsArg(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var decoded any
	_ = json.Unmarshal(b, &decoded)
	return decoded
}

func (d *Dispatcher) call(ctx context.Context, pluginID string, sb *sandbox.Sandbox, hook nplugin.Hook, arg any) (bool, error) {
	start := time.Now()
	v, present, err := sb.Call(ctx, hook, jsArg(arg))
	d.hookDuration.WithLabelValues(string(hook)).Observe(time.Since(start).Seconds())
	if err != nil {
		d.faultCounter.WithLabelValues(string(hook)).Inc()
		d.logger.Warn("hook fault during dispatch", "plugin", pluginID, "hook", hook, "error", err)
	}
	return sandbox.VetoResult(v, present, err), err
}

// DispatchMessage runs preMessage across enabled plugins in insertion
// order, halting at the first veto. Returns true if some plugin vetoed.
func (d *Dispatcher) DispatchMessage(ctx context.Context, evt nplugin.MessageEvent) bool {
	for _, id := range d.registry.EnabledOrder() {
		sb, ok := d.registry.Sandbox(id)
		if !ok {
			continue
		}
		if veto, _ := d.call(ctx, id, sb, nplugin.HookPreMessage, evt); veto {
			d.vetoCounter.WithLabelValues(string(nplugin.HookPreMessage)).Inc()
			return true
		}
	}
	return false
}

// DispatchNotice runs onNotice across enabled plugins in insertion order,
// halting at the first veto. Returns true if some plugin vetoed.
func (d *Dispatcher) DispatchNotice(ctx context.Context, evt nplugin.NoticeEvent) bool {
	for _, id := range d.registry.EnabledOrder() {
		sb, ok := d.registry.Sandbox(id)
		if !ok {
			continue
		}
		if veto, _ := d.call(ctx, id, sb, nplugin.HookOnNotice, evt); veto {
			d.vetoCounter.WithLabelValues(string(nplugin.HookOnNotice)).Inc()
			return true
		}
	}
	return false
}

// DispatchMetaEvent runs onMetaEvent across every enabled plugin. There is
// no veto for this kind: every plugin sees it regardless of what others
// return.
func (d *Dispatcher) DispatchMetaEvent(ctx context.Context, evt nplugin.MetaEvent) {
	for _, id := range d.registry.EnabledOrder() {
		sb, ok := d.registry.Sandbox(id)
		if !ok {
			continue
		}
		d.call(ctx, id, sb, nplugin.HookOnMetaEvent, evt)
	}
}

// DispatchCommand runs preCommand then onCommand on every enabled plugin
// that advertises evt.Command in its manifest's commands list. A
// preCommand veto suppresses that plugin's onCommand call but does not
// affect other owning plugins (commands are not expected to collide, but
// nothing stops two plugins from registering the same name).
func (d *Dispatcher) DispatchCommand(ctx context.Context, evt nplugin.CommandEvent) {
	for _, id := range d.registry.CommandOwners(evt.Command) {
		sb, ok := d.registry.Sandbox(id)
		if !ok {
			continue
		}
		if veto, _ := d.call(ctx, id, sb, nplugin.HookPreCommand, evt); veto {
			d.vetoCounter.WithLabelValues(string(nplugin.HookPreCommand)).Inc()
			continue
		}
		d.call(ctx, id, sb, nplugin.HookOnCommand, evt)
	}
}

// DeliverLlmResponse implements broker.Deliverer: routes a resolved or
// timed-out LLM request to the issuing plugin's onLlmResponse hook, if the
// plugin is still enabled.
func (d *Dispatcher) DeliverLlmResponse(pluginID string, resp nplugin.LlmResponse) {
	sb, ok := d.registry.Sandbox(pluginID)
	if !ok {
		return
	}
	d.call(context.Background(), pluginID, sb, nplugin.HookOnLlmResponse, resp)
}

// DeliverGroupInfoResponse implements broker.Deliverer: routes a resolved
// or timed-out group-info request to the issuing plugin's
// onGroupInfoResponse hook, if the plugin is still enabled.
func (d *Dispatcher) DeliverGroupInfoResponse(pluginID string, resp nplugin.GroupInfoResponse) {
	sb, ok := d.registry.Sandbox(pluginID)
	if !ok {
		return
	}
	d.call(context.Background(), pluginID, sb, nplugin.HookOnGroupInfoResponse, resp)
}
