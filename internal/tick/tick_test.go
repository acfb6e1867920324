package tick

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbot-dev/nbot/internal/broker"
	nplugin "github.com/nbot-dev/nbot/pkg/plugin"
)

type fakeDispatcher struct {
	metaEvents []nplugin.MetaEvent
}

func (f *fakeDispatcher) DispatchMetaEvent(ctx context.Context, evt nplugin.MetaEvent) {
	f.metaEvents = append(f.metaEvents, evt)
}

func TestRunOnceDispatchesTickMetaEvent(t *testing.T) {
	disp := &fakeDispatcher{}
	s := New(disp, nil)

	s.RunOnce(context.Background())

	require.Len(t, disp.metaEvents, 1)
	assert.Equal(t, nplugin.MetaEventTick, disp.metaEvents[0].MetaEventType)
}

func TestRunOnceSweepsBrokerForTimeouts(t *testing.T) {
	var delivered []nplugin.LlmResponse
	brk := broker.New(nil, nil)
	disp := &fakeDispatcher{}
	s := New(disp, brk)

	brk.Issue("p1", nplugin.KindLLMChat, "req-1", time.Nanosecond)
	time.Sleep(2 * time.Millisecond)

	captured := make(chan nplugin.LlmResponse, 1)
	brk.SetDeliverer(recorderDeliverer{onLlm: func(pluginID string, resp nplugin.LlmResponse) {
		captured <- resp
	}})

	s.RunOnce(context.Background())

	select {
	case resp := <-captured:
		delivered = append(delivered, resp)
	case <-time.After(time.Second):
		t.Fatal("expected a timeout delivery from the sweep")
	}
	require.Len(t, delivered, 1)
	assert.False(t, delivered[0].Success)
	assert.Equal(t, "timeout", delivered[0].Reason)
}

type recorderDeliverer struct {
	onLlm      func(pluginID string, resp nplugin.LlmResponse)
	onGroupInfo func(pluginID string, resp nplugin.GroupInfoResponse)
}

func (r recorderDeliverer) DeliverLlmResponse(pluginID string, resp nplugin.LlmResponse) {
	if r.onLlm != nil {
		r.onLlm(pluginID, resp)
	}
}

func (r recorderDeliverer) DeliverGroupInfoResponse(pluginID string, resp nplugin.GroupInfoResponse) {
	if r.onGroupInfo != nil {
		r.onGroupInfo(pluginID, resp)
	}
}

func TestRunOnceSkipsWhenLockNotAcquired(t *testing.T) {
	disp := &fakeDispatcher{}
	s := New(disp, nil, WithLock(fakeLock{acquired: false}))

	s.RunOnce(context.Background())

	assert.Empty(t, disp.metaEvents, "a replica that doesn't hold the lock must not emit a tick")
}

func TestRunOnceEmitsWhenLockAcquired(t *testing.T) {
	disp := &fakeDispatcher{}
	s := New(disp, nil, WithLock(fakeLock{acquired: true}))

	s.RunOnce(context.Background())

	assert.Len(t, disp.metaEvents, 1)
}

type fakeLock struct{ acquired bool }

func (f fakeLock) Acquire(ctx context.Context) (bool, error) { return f.acquired, nil }
