package store

import "time"

// RequestStatus is the lifecycle state of a cue request. PENDING is the only
// non-terminal state.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestCompleted RequestStatus = "COMPLETED"
	RequestCancelled RequestStatus = "CANCELLED"
)

// Payload variants recorded at write time. The sweep and the pending-request
// reads check these structurally instead of substring-matching stored JSON.
const (
	VariantNone  = ""
	VariantPause = "pause"
)

// Request is one human-in-the-loop exchange opened by an agent.
type Request struct {
	ID        int64         `json:"id"`
	RequestID string        `json:"request_id"`
	AgentID   string        `json:"agent_id"`
	Prompt    string        `json:"prompt"`
	Payload   string        `json:"payload,omitempty"` // JSON object or empty
	Variant   string        `json:"payload_variant,omitempty"`
	Status    RequestStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Response is the human's answer to a request. At most one exists per
// request_id and it is immutable after creation.
type Response struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"request_id"`
	ResponseJSON string    `json:"response_json"`
	Cancelled    bool      `json:"cancelled"`
	CreatedAt    time.Time `json:"created_at"`
	Files        []File    `json:"files,omitempty"`
}

// Mention marks an @-reference inside a composed reply.
type Mention struct {
	UserID  string `json:"userId"`
	Start   int    `json:"start"`
	Length  int    `json:"length"`
	Display string `json:"display"`
}

// ImageAttachment is an inline base64 attachment on a composed reply.
type ImageAttachment struct {
	MimeType   string `json:"mime_type"`
	Base64Data string `json:"base64_data"`
}

// UserResponse is the normalized human reply delivered to a request.
type UserResponse struct {
	Text     string            `json:"text"`
	Images   []ImageAttachment `json:"images,omitempty"`
	Mentions []Mention         `json:"mentions,omitempty"`
}

// File is a content-addressed stored attachment. Path is relative to the cue
// home directory (e.g. "files/<prefix>.png").
type File struct {
	ID        int64     `json:"id"`
	SHA256    string    `json:"sha256"`
	Path      string    `json:"file"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationType distinguishes 1:1 agent conversations from named groups.
type ConversationType string

const (
	ConvAgent ConversationType = "agent"
	ConvGroup ConversationType = "group"
)

// QueueStatus is the per-item queue state machine:
// queued -> processing -> {queued(delay) | deleted}.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
)

// QueueItem is one pending human-composed reply awaiting delivery to its
// conversation's current open request(s).
type QueueItem struct {
	ID          string           `json:"id"`
	ConvType    ConversationType `json:"conv_type"`
	ConvID      string           `json:"conv_id"`
	Position    int64            `json:"position"`
	MessageJSON string           `json:"message_json"`
	Status      QueueStatus      `json:"status"`
	Attempts    int              `json:"attempts"`
	NextRunAt   time.Time        `json:"next_run_at"`
	LockedBy    string           `json:"locked_by,omitempty"`
	LockedAt    *time.Time       `json:"locked_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// LeaseResult reports the outcome of a worker lease acquisition attempt.
type LeaseResult struct {
	Acquired  bool      `json:"acquired"`
	HolderID  string    `json:"holderId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TimelineItemType tags entries returned by the timeline merge.
type TimelineItemType string

const (
	TimelineRequest  TimelineItemType = "request"
	TimelineResponse TimelineItemType = "response"
)

// TimelineItem is one entry of the merged request/response history, ordered
// by event time descending.
type TimelineItem struct {
	Type      TimelineItemType `json:"item_type"`
	Time      string           `json:"time"`
	RequestID string           `json:"request_id"`
	Request   *Request         `json:"request,omitempty"`
	Response  *Response        `json:"response,omitempty"`
}

// TimelinePage is one keyset-paginated slice of a conversation timeline.
// NextCursor is the time of the last item, or empty when the page is empty.
type TimelinePage struct {
	Items      []TimelineItem `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// Group is a named set of agents addressed as one conversation.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentEnv records the environment an agent registered from via join.
type AgentEnv struct {
	AgentID       string    `json:"agent_id"`
	AgentRuntime  string    `json:"agent_runtime"`
	ProjectDir    string    `json:"project_dir"`
	AgentTerminal string    `json:"agent_terminal"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Schedule is a cron-fired auto-reply: when due, its message is enqueued
// into the conversation's message queue.
type Schedule struct {
	ID          string           `json:"id"`
	ConvType    ConversationType `json:"conv_type"`
	ConvID      string           `json:"conv_id"`
	CronExpr    string           `json:"cron_expr"`
	MessageJSON string           `json:"message_json"`
	Enabled     bool             `json:"enabled"`
	NextRunAt   *time.Time       `json:"next_run_at,omitempty"`
	LastRunAt   *time.Time       `json:"last_run_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ConversationMeta carries presentation flags consumed by the console UI.
type ConversationMeta struct {
	Key        string           `json:"key"`
	Type       ConversationType `json:"type"`
	ID         string           `json:"id"`
	Archived   bool             `json:"archived"`
	ArchivedAt *time.Time       `json:"archived_at,omitempty"`
	Deleted    bool             `json:"deleted"`
	DeletedAt  *time.Time       `json:"deleted_at,omitempty"`
}
