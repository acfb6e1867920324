package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbot-dev/nbot/internal/capability"
	"github.com/nbot-dev/nbot/internal/sandbox"
	nplugin "github.com/nbot-dev/nbot/pkg/plugin"
)

// fakeRegistry is a hand-rolled stand-in for internal/registry.Registry,
// just the slice the dispatcher needs.
type fakeRegistry struct {
	order    []string
	sandboxes map[string]*sandbox.Sandbox
	commands map[string][]string
}

func (f *fakeRegistry) EnabledOrder() []string { return f.order }
func (f *fakeRegistry) CommandOwners(cmd string) []string { return f.commands[cmd] }
func (f *fakeRegistry) Sandbox(id string) (*sandbox.Sandbox, bool) {
	sb, ok := f.sandboxes[id]
	return sb, ok
}

func newSandboxFromSource(t *testing.T, id, src string) *sandbox.Sandbox {
	t.Helper()
	sb, err := sandbox.New(id, nplugin.CodeTypeScript, src, capability.New())
	require.NoError(t, err)
	return sb
}

func TestDispatchMessageStopsAtFirstVeto(t *testing.T) {
	a := newSandboxFromSource(t, "a", `return { preMessage: function(ctx) { return false; } };`)
	b := newSandboxFromSource(t, "b", `return { preMessage: function(ctx) { return true; } };`)

	reg := &fakeRegistry{
		order:     []string{"a", "b"},
		sandboxes: map[string]*sandbox.Sandbox{"a": a, "b": b},
	}
	d := New(reg, nil)

	vetoed := d.DispatchMessage(context.Background(), nplugin.MessageEvent{UserID: 1})
	assert.True(t, vetoed)
}

func TestDispatchMessageRunsAllWhenNoVeto(t *testing.T) {
	a := newSandboxFromSource(t, "a", `
		var seen = false;
		return { preMessage: function(ctx) { seen = true; return true; }, onNotice: function(ctx) { return seen; } };
	`)
	reg := &fakeRegistry{order: []string{"a"}, sandboxes: map[string]*sandbox.Sandbox{"a": a}}
	d := New(reg, nil)

	vetoed := d.DispatchMessage(context.Background(), nplugin.MessageEvent{UserID: 1})
	assert.False(t, vetoed)

	v, present, err := a.Call(context.Background(), "onNotice", map[string]any{})
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, true, v.Export())
}

func TestDispatchCommandOnlyOwningPluginsAndPreCommandVeto(t *testing.T) {
	owner := newSandboxFromSource(t, "owner", `
		var fired = false;
		return {
			preCommand: function(ctx) { return true; },
			onCommand: function(ctx) { fired = true; return true; },
			onNotice: function(ctx) { return fired; },
		};
	`)
	suppressed := newSandboxFromSource(t, "suppressed", `
		var fired = false;
		return {
			preCommand: function(ctx) { return false; },
			onCommand: function(ctx) { fired = true; return true; },
			onNotice: function(ctx) { return fired; },
		};
	`)
	notOwner := newSandboxFromSource(t, "notowner", `
		var fired = false;
		return { onCommand: function(ctx) { fired = true; return true; }, onNotice: function(ctx) { return fired; } };
	`)

	reg := &fakeRegistry{
		order: []string{"owner", "suppressed", "notowner"},
		sandboxes: map[string]*sandbox.Sandbox{
			"owner": owner, "suppressed": suppressed, "notowner": notOwner,
		},
		commands: map[string][]string{"ping": {"owner", "suppressed"}},
	}
	d := New(reg, nil)
	d.DispatchCommand(context.Background(), nplugin.CommandEvent{Command: "ping", UserID: 1})

	v, _, err := owner.Call(context.Background(), "onNotice", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, v.Export(), "owning plugin's onCommand must run")

	v, _, err = suppressed.Call(context.Background(), "onNotice", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, false, v.Export(), "preCommand veto must suppress onCommand")

	v, _, err = notOwner.Call(context.Background(), "onNotice", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, false, v.Export(), "a plugin that doesn't own the command must never see it")
}

func TestDispatchMetaEventHasNoVeto(t *testing.T) {
	a := newSandboxFromSource(t, "a", `
		var count = 0;
		return { onMetaEvent: function(ctx) { count++; return false; }, onNotice: function(ctx) { return count; } };
	`)
	b := newSandboxFromSource(t, "b", `
		var count = 0;
		return { onMetaEvent: function(ctx) { count++; return false; }, onNotice: function(ctx) { return count; } };
	`)
	reg := &fakeRegistry{order: []string{"a", "b"}, sandboxes: map[string]*sandbox.Sandbox{"a": a, "b": b}}
	d := New(reg, nil)

	d.DispatchMetaEvent(context.Background(), nplugin.MetaEvent{MetaEventType: nplugin.MetaEventTick})

	for _, sb := range []*sandbox.Sandbox{a, b} {
		v, _, err := sb.Call(context.Background(), "onNotice", map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), v.Export(), "every enabled plugin must see meta_event regardless of return value")
	}
}

func TestHookFaultIsNeutralNotVeto(t *testing.T) {
	faulty := newSandboxFromSource(t, "faulty", `return { preMessage: function(ctx) { throw new Error("boom"); } };`)
	ok := newSandboxFromSource(t, "ok", `
		var seen = false;
		return { preMessage: function(ctx) { seen = true; return true; }, onNotice: function(ctx) { return seen; } };
	`)
	reg := &fakeRegistry{order: []string{"faulty", "ok"}, sandboxes: map[string]*sandbox.Sandbox{"faulty": faulty, "ok": ok}}
	d := New(reg, nil)

	vetoed := d.DispatchMessage(context.Background(), nplugin.MessageEvent{UserID: 1})
	assert.False(t, vetoed, "a throwing hook must not veto")

	v, _, err := ok.Call(context.Background(), "onNotice", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, v.Export(), "dispatch must continue past a faulted plugin")
}

func TestDeliverLlmResponseRoutesToIssuingPluginOnly(t *testing.T) {
	target := newSandboxFromSource(t, "target", `
		var got = null;
		return { onLlmResponse: function(resp) { got = resp; return true; }, onNotice: function(ctx) { return got; } };
	`)
	other := newSandboxFromSource(t, "other", `
		var called = false;
		return { onLlmResponse: function(resp) { called = true; return true; }, onNotice: function(ctx) { return called; } };
	`)
	reg := &fakeRegistry{sandboxes: map[string]*sandbox.Sandbox{"target": target, "other": other}}
	d := New(reg, nil)

	d.DeliverLlmResponse("target", nplugin.LlmResponse{RequestID: "r1", Success: true, Content: "hi"})

	v, _, err := target.Call(context.Background(), "onNotice", map[string]any{})
	require.NoError(t, err)
	exported, ok := v.Export().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", exported["content"])

	v, _, err = other.Call(context.Background(), "onNotice", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, false, v.Export(), "a response for one plugin must not reach another")
}
