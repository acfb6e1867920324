// Package broker implements the request broker: it issues opaque request
// ids for asynchronous host capabilities, tracks pending calls, and routes
// exactly one callback per request back to the issuing plugin, either from
// a real response or from timeout synthesis.
package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	nplugin "github.com/nbot-dev/nbot/pkg/plugin"
)

// DefaultDeadline returns the default deadline duration for kind, per spec:
// LLM family 90s, group-info family 15s, downloads 5m.
func DefaultDeadline(kind nplugin.RequestKind) time.Duration {
	switch kind {
	case nplugin.KindLLMChat, nplugin.KindLLMChatSearch:
		return 90 * time.Second
	case nplugin.KindDownloadFile:
		return 5 * time.Minute
	default:
		return 15 * time.Second
	}
}

// Deliverer is the callback sink the broker hands resolved/timed-out
// requests to. Implemented by internal/dispatch, which routes the call onto
// the issuing plugin's sandbox.
type Deliverer interface {
	DeliverLlmResponse(pluginID string, resp nplugin.LlmResponse)
	DeliverGroupInfoResponse(pluginID string, resp nplugin.GroupInfoResponse)
}

// pending is one outstanding request keyed by its globally unique internal
// id (not the plugin-chosen client_request_id, which is only unique within
// one plugin and is carried inside ClientRequestID for delivery).
type pending struct {
	pluginID        string
	kind            nplugin.RequestKind
	clientRequestID string
	createdAt       time.Time
	deadline        time.Time
	infoType        string // for GroupInfoResponse delivery
}

// Broker owns the pending-request table.
type Broker struct {
	mu      sync.Mutex
	byID    map[string]*pending
	byPlugin map[string]map[string]string // pluginID -> clientRequestID -> internal id

	deliverer Deliverer

	pendingGauge   prometheus.Gauge
	timeoutCounter prometheus.Counter
	resolveCounter prometheus.Counter
}

// New constructs a Broker. deliverer may be set later via SetDeliverer if
// the dispatcher is constructed after the broker (common wiring order).
func New(reg prometheus.Registerer, deliverer Deliverer) *Broker {
	b := &Broker{
		byID:     make(map[string]*pending),
		byPlugin: make(map[string]map[string]string),
		deliverer: deliverer,
		pendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nbot_broker_pending_requests",
			Help: "Number of pending asynchronous capability requests.",
		}),
		timeoutCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nbot_broker_timeouts_total",
			Help: "Total requests resolved by timeout synthesis.",
		}),
		resolveCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nbot_broker_resolved_total",
			Help: "Total requests resolved by a real inbound response.",
		}),
	}
	if reg != nil {
		reg.MustRegister(b.pendingGauge, b.timeoutCounter, b.resolveCounter)
	}
	return b
}

// SetDeliverer wires the callback sink after construction.
func (b *Broker) SetDeliverer(d Deliverer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverer = d
}

// Issue registers a pending request and returns the broker-internal id used
// to resolve it later. If clientRequestID collides with an existing pending
// request from the same plugin, the older record is displaced and silently
// never receives a callback — the plugin is responsible for uniqueness.
func (b *Broker) Issue(pluginID string, kind nplugin.RequestKind, clientRequestID string, deadline time.Duration) string {
	if deadline <= 0 {
		deadline = DefaultDeadline(kind)
	}
	internalID := uuid.NewString()
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	plugMap, ok := b.byPlugin[pluginID]
	if !ok {
		plugMap = make(map[string]string)
		b.byPlugin[pluginID] = plugMap
	}
	if oldInternal, collided := plugMap[clientRequestID]; collided {
		delete(b.byID, oldInternal)
	} else {
		b.pendingGauge.Inc()
	}
	plugMap[clientRequestID] = internalID

	b.byID[internalID] = &pending{
		pluginID:        pluginID,
		kind:            kind,
		clientRequestID: clientRequestID,
		createdAt:       now,
		deadline:        now.Add(deadline),
	}
	return internalID
}

// Resolve delivers a real inbound response for internalID. If the request
// was already swept for timeout or never existed, the response is silently
// dropped. success/content/reason/data shape the delivered callback per
// kind.
func (b *Broker) Resolve(internalID string, success bool, content string, reason string, data any, infoType string) {
	p := b.remove(internalID)
	if p == nil {
		return
	}
	b.resolveCounter.Inc()
	b.deliver(p, success, content, reason, data, infoType)
}

func (b *Broker) remove(internalID string) *pending {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.byID[internalID]
	if !ok {
		return nil
	}
	delete(b.byID, internalID)
	if plugMap, ok := b.byPlugin[p.pluginID]; ok {
		if plugMap[p.clientRequestID] == internalID {
			delete(plugMap, p.clientRequestID)
		}
	}
	b.pendingGauge.Dec()
	return p
}

func (b *Broker) deliver(p *pending, success bool, content, reason string, data any, infoType string) {
	b.mu.Lock()
	d := b.deliverer
	b.mu.Unlock()
	if d == nil {
		return
	}

	if p.kind.IsLLM() {
		d.DeliverLlmResponse(p.pluginID, nplugin.LlmResponse{
			RequestID: p.clientRequestID,
			Success:   success,
			Content:   content,
			Reason:    reason,
		})
		return
	}
	if infoType == "" {
		infoType = string(p.kind)
	}
	d.DeliverGroupInfoResponse(p.pluginID, nplugin.GroupInfoResponse{
		RequestID: p.clientRequestID,
		InfoType:  infoType,
		Success:   success,
		Data:      data,
		Reason:    reason,
	})
}

// Sweep removes every request whose deadline is at or before now and
// synthesizes a {success:false, reason:"timeout"} callback for each. It
// should be invoked periodically (e.g. on every tick).
func (b *Broker) Sweep(now time.Time) int {
	b.mu.Lock()
	var expired []*pending
	for id, p := range b.byID {
		if !p.deadline.After(now) {
			expired = append(expired, p)
			delete(b.byID, id)
			if plugMap, ok := b.byPlugin[p.pluginID]; ok {
				if plugMap[p.clientRequestID] == id {
					delete(plugMap, p.clientRequestID)
				}
			}
			b.pendingGauge.Dec()
		}
	}
	b.mu.Unlock()

	for _, p := range expired {
		b.timeoutCounter.Inc()
		b.deliver(p, false, "", "timeout", nil, "")
	}
	return len(expired)
}

// CancelPlugin drops every pending request belonging to pluginID without
// delivering a callback, called when a plugin is disabled.
func (b *Broker) CancelPlugin(pluginID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	plugMap, ok := b.byPlugin[pluginID]
	if !ok {
		return
	}
	for _, internalID := range plugMap {
		if _, ok := b.byID[internalID]; ok {
			delete(b.byID, internalID)
			b.pendingGauge.Dec()
		}
	}
	delete(b.byPlugin, pluginID)
}
