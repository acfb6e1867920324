package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// At implements capability.Transport: OneBot's CQ-style at-segment is
// rendered here as the wire-level mention token plugins may embed directly
// in raw text they build themselves.
func (c *Client) At(userID int64) string {
	return fmt.Sprintf("[CQ:at,qq=%d]", userID)
}

// SendMessage implements capability.Transport.
func (c *Client) SendMessage(ctx context.Context, groupID int64, content string) error {
	_, err := c.callSync("send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  content,
	})
	return err
}

// SendReply implements capability.Transport: a private message when
// groupID is zero, otherwise a group message prefixed with a reply segment
// back to userID.
func (c *Client) SendReply(ctx context.Context, userID, groupID int64, content string) error {
	if groupID == 0 {
		_, err := c.callSync("send_private_msg", map[string]any{
			"user_id": userID,
			"message": content,
		})
		return err
	}
	_, err := c.callSync("send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  c.At(userID) + " " + content,
	})
	return err
}

// SendForwardMessage implements capability.Transport.
func (c *Client) SendForwardMessage(ctx context.Context, userID, groupID int64, nodes json.RawMessage) error {
	action := "send_private_forward_msg"
	params := map[string]any{"user_id": userID, "messages": nodes}
	if groupID != 0 {
		action = "send_group_forward_msg"
		params = map[string]any{"group_id": groupID, "messages": nodes}
	}
	_, err := c.callSync(action, params)
	return err
}

// CallAPI implements capability.Transport: a raw escape hatch for any
// OneBot action a plugin's manifest declared capabilities don't already
// cover.
func (c *Client) CallAPI(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
	var decoded any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &decoded); err != nil {
			return nil, fmt.Errorf("transport: decoding CallAPI params: %w", err)
		}
	}
	return c.callSync(action, decoded)
}

// groupInfoAction maps a group-info RequestKind to the OneBot action and
// params used to satisfy it.
func groupInfoAction(kind string, payload map[string]any) (string, map[string]any) {
	switch kind {
	case "group_notice":
		return "_get_group_notice", map[string]any{"group_id": payload["groupId"]}
	case "group_history":
		return "get_group_msg_history", map[string]any{"group_id": payload["groupId"], "count": payload["count"]}
	case "group_files":
		return "get_group_root_files", map[string]any{"group_id": payload["groupId"]}
	case "group_file_url":
		return "get_group_file_url", map[string]any{"group_id": payload["groupId"], "file_id": payload["fileId"]}
	case "friend_list":
		return "get_friend_list", map[string]any{}
	case "group_list":
		return "get_group_list", map[string]any{}
	case "group_member_list":
		return "get_group_member_list", map[string]any{"group_id": payload["groupId"]}
	case "download_file":
		return "download_file", map[string]any{"url": payload["url"]}
	default:
		return "", nil
	}
}

// DispatchGroupInfo sends the OneBot action for a group-info family request
// without blocking for the response: the response frame arrives later on
// the read pump and is resolved against wireRequestID via c.resolver,
// implementing the async half of capability.AsyncGateway for everything
// except the LLM family (see Gateway in llmgateway.go).
func (c *Client) DispatchGroupInfo(ctx context.Context, kind, wireRequestID string, payload map[string]any) error {
	action, params := groupInfoAction(kind, payload)
	if action == "" {
		return fmt.Errorf("transport: unknown group-info kind %q", kind)
	}
	return c.sendAction(action, params, wireRequestID)
}
