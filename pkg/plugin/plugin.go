package plugin

// Hook names a sandbox may export. Missing hooks are treated as absent, not
// as errors; a sandbox resolves whichever subset an entry script defines.
type Hook string

const (
	HookOnEnable           Hook = "onEnable"
	HookOnDisable          Hook = "onDisable"
	HookOnCommand          Hook = "onCommand"
	HookPreCommand         Hook = "preCommand"
	HookPreMessage         Hook = "preMessage"
	HookOnNotice           Hook = "onNotice"
	HookOnMetaEvent        Hook = "onMetaEvent"
	HookOnConfigUpdated    Hook = "onConfigUpdated"
	HookOnLlmResponse      Hook = "onLlmResponse"
	HookOnGroupInfoResponse Hook = "onGroupInfoResponse"

	// hookUpdateConfigAlias is accepted as a backward-compatible synonym for
	// HookOnConfigUpdated by the sandbox's hook resolver.
	hookUpdateConfigAlias Hook = "updateConfig"
)

// UpdateConfigAlias reports the legacy hook name the sandbox also accepts in
// place of HookOnConfigUpdated.
func UpdateConfigAlias() Hook { return hookUpdateConfigAlias }

// MessageType distinguishes a group message from a private one.
type MessageType string

const (
	MessageGroup   MessageType = "group"
	MessagePrivate MessageType = "private"
)

// SegmentType enumerates the structured message segment kinds a transport
// adapter may deliver, per the OneBot-compatible wire shape.
type SegmentType string

const (
	SegmentText     SegmentType = "text"
	SegmentAt       SegmentType = "at"
	SegmentFace     SegmentType = "face"
	SegmentMFace    SegmentType = "mface"
	SegmentImage    SegmentType = "image"
	SegmentVideo    SegmentType = "video"
	SegmentRecord   SegmentType = "record"
	SegmentFile     SegmentType = "file"
	SegmentReply    SegmentType = "reply"
	SegmentJSON     SegmentType = "json"
	SegmentXML      SegmentType = "xml"
	SegmentMarkdown SegmentType = "markdown"
)

// Segment is one ordered element of a structured message. Data holds the
// segment-type-specific fields (e.g. {"text": "..."} for SegmentText,
// {"qq": "123"} for SegmentAt) and is intentionally untyped: the structured
// segment sequence is authoritative, the CQ-encoded string on MessageEvent is
// a fallback view for logging and raw-text plugins.
type Segment struct {
	Type SegmentType    `json:"type"`
	Data map[string]any `json:"data"`
}

// MessageEvent is the "message" inbound event kind.
type MessageEvent struct {
	UserID        int64       `json:"user_id"`
	GroupID       int64       `json:"group_id,omitempty"`
	MessageType   MessageType `json:"message_type"`
	RawMessage    string      `json:"raw_message"`
	Message       []Segment   `json:"message"`
	AtBot         bool        `json:"at_bot,omitempty"`
	SelfID        int64       `json:"self_id"`
	ReplyMessage  *MessageEvent `json:"reply_message,omitempty"`
}

// NoticeEvent is the "notice" inbound event kind.
type NoticeEvent struct {
	NoticeType string `json:"notice_type"`
	GroupID    int64  `json:"group_id,omitempty"`
	UserID     int64  `json:"user_id,omitempty"`
	SelfID     int64  `json:"self_id"`
	Raw        map[string]any `json:"-"`
}

// MetaEventType enumerates the meta_event variants a transport may deliver.
type MetaEventType string

const (
	MetaEventTick      MetaEventType = "tick"
	MetaEventHeartbeat MetaEventType = "heartbeat"
)

// MetaEvent is the "meta_event" inbound event kind.
type MetaEvent struct {
	MetaEventType MetaEventType `json:"meta_event_type"`
}

// CommandEvent is a pre-parsed command invocation.
type CommandEvent struct {
	Command      string        `json:"command"`
	UserID       int64         `json:"user_id"`
	GroupID      int64         `json:"group_id,omitempty"`
	Content      string        `json:"content"`
	ReplyMessage *MessageEvent `json:"reply_message,omitempty"`
}

// RequestKind enumerates the async capability families the broker tracks.
type RequestKind string

const (
	KindLLMChat                     RequestKind = "llm_chat"
	KindLLMChatSearch               RequestKind = "llm_chat_search"
	KindGroupNotice                 RequestKind = "group_notice"
	KindGroupHistory                RequestKind = "group_history"
	KindGroupFiles                  RequestKind = "group_files"
	KindGroupFileURL                RequestKind = "group_file_url"
	KindFriendList                  RequestKind = "friend_list"
	KindGroupList                   RequestKind = "group_list"
	KindGroupMemberList             RequestKind = "group_member_list"
	KindDownloadFile                RequestKind = "download_file"
)

// IsLLM reports whether kind belongs to the LLM request family, which is
// delivered via onLlmResponse rather than onGroupInfoResponse.
func (k RequestKind) IsLLM() bool {
	return k == KindLLMChat || k == KindLLMChatSearch
}

// LlmResponse is the payload handed to onLlmResponse.
type LlmResponse struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Content   string `json:"content,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// GroupInfoResponse is the payload handed to onGroupInfoResponse.
type GroupInfoResponse struct {
	RequestID string `json:"requestId"`
	InfoType  string `json:"infoType"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
