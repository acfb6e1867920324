package transport

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	nplugin "github.com/nbot-dev/nbot/pkg/plugin"
)

// Dispatcher is the subset of internal/dispatch.Dispatcher the transport
// feeds decoded inbound events into.
type Dispatcher interface {
	DispatchMessage(ctx context.Context, evt nplugin.MessageEvent) bool
	DispatchNotice(ctx context.Context, evt nplugin.NoticeEvent) bool
	DispatchMetaEvent(ctx context.Context, evt nplugin.MetaEvent)
	DispatchCommand(ctx context.Context, evt nplugin.CommandEvent)
}

// onebotMessageFrame is the subset of a OneBot "message" post we decode.
type onebotMessageFrame struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	UserID      int64           `json:"user_id"`
	GroupID     int64           `json:"group_id"`
	RawMessage  string          `json:"raw_message"`
	Message     json.RawMessage `json:"message"`
	SelfID      int64           `json:"self_id"`
}

type onebotNoticeFrame struct {
	PostType   string `json:"post_type"`
	NoticeType string `json:"notice_type"`
	GroupID    int64  `json:"group_id"`
	UserID     int64  `json:"user_id"`
	SelfID     int64  `json:"self_id"`
}

type onebotMetaFrame struct {
	PostType      string `json:"post_type"`
	MetaEventType string `json:"meta_event_type"`
}

// Run decodes inbound frames from c.Events() and hands them to dispatcher
// until ctx is cancelled. Messages whose raw text starts with prefix are
// parsed into a pre-parsed CommandEvent instead of a plain MessageEvent, per
// the "command" inbound kind the dispatcher expects already split out.
func (c *Client) Run(ctx context.Context, dispatcher Dispatcher, prefix string) {
	if prefix == "" {
		prefix = "/"
	}
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-c.events:
			if !ok {
				return
			}
			c.handleEvent(ctx, dispatcher, prefix, raw)
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, dispatcher Dispatcher, prefix string, raw json.RawMessage) {
	var probe struct {
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}

	switch probe.PostType {
	case "message":
		var f onebotMessageFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn("transport: malformed message frame", "error", err)
			return
		}
		var segments []nplugin.Segment
		_ = json.Unmarshal(f.Message, &segments)

		trimmed := strings.TrimSpace(f.RawMessage)
		if strings.HasPrefix(trimmed, prefix) {
			fields := strings.SplitN(strings.TrimPrefix(trimmed, prefix), " ", 2)
			content := ""
			if len(fields) == 2 {
				content = fields[1]
			}
			dispatcher.DispatchCommand(ctx, nplugin.CommandEvent{
				Command: fields[0],
				UserID:  f.UserID,
				GroupID: f.GroupID,
				Content: content,
			})
			return
		}

		evt := nplugin.MessageEvent{
			UserID:      f.UserID,
			GroupID:     f.GroupID,
			MessageType: nplugin.MessagePrivate,
			RawMessage:  f.RawMessage,
			Message:     segments,
			SelfID:      f.SelfID,
		}
		if f.MessageType == "group" {
			evt.MessageType = nplugin.MessageGroup
		}
		selfIDStr := strconv.FormatInt(f.SelfID, 10)
		for _, seg := range segments {
			if seg.Type == nplugin.SegmentAt {
				if qq, _ := seg.Data["qq"].(string); qq == selfIDStr {
					evt.AtBot = true
				}
			}
		}
		dispatcher.DispatchMessage(ctx, evt)

	case "notice":
		var f onebotNoticeFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn("transport: malformed notice frame", "error", err)
			return
		}
		dispatcher.DispatchNotice(ctx, nplugin.NoticeEvent{
			NoticeType: f.NoticeType,
			GroupID:    f.GroupID,
			UserID:     f.UserID,
			SelfID:     f.SelfID,
		})

	case "meta_event":
		var f onebotMetaFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return
		}
		dispatcher.DispatchMetaEvent(ctx, nplugin.MetaEvent{
			MetaEventType: nplugin.MetaEventType(f.MetaEventType),
		})
	}
}
