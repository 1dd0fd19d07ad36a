// Package protocol decodes the NDJSON stream produced by the Claude CLI when
// run with --output-format=stream-json --include-partial-messages.
//
// Every line is one JSON object discriminated by its "type" field. Lines of
// type "stream_event" wrap a second, inner event with its own "type". Both
// levels are modelled as closed sets: an unrecognised discriminant is a
// decode error, never a variant.
package protocol

// Type is the top-level "type" field of an NDJSON line.
type Type string

const (
	TypeSystem      Type = "system"
	TypeAssistant   Type = "assistant"
	TypeUser        Type = "user"
	TypeResult      Type = "result"
	TypePing        Type = "ping"
	TypeStreamEvent Type = "stream_event"
)

// Event is one decoded NDJSON line. The concrete type is one of
// SystemEvent, AssistantEvent, UserEvent, ResultEvent, PingEvent or
// StreamEvent.
type Event interface {
	Type() Type
	event()
}

// SystemEvent is the CLI's session bookkeeping message (subtype "init" etc).
type SystemEvent struct {
	Subtype   string
	SessionID string
	Model     string
}

// AssistantEvent marks a complete assistant turn. Its content duplicates
// what was already streamed through content block deltas.
type AssistantEvent struct {
	SessionID string
}

// UserEvent carries tool results fed back to the model. Not rendered.
type UserEvent struct{}

// PingEvent is a heartbeat.
type PingEvent struct{}

// Usage is the token accounting attached to result and message_delta events.
type Usage struct {
	InputTokens  *uint64
	OutputTokens *uint64
}

// ResultEvent is emitted once at the end of a CLI invocation.
type ResultEvent struct {
	Subtype      string
	IsError      bool
	NumTurns     int
	TotalCostUSD *float64
	DurationMS   *uint64
	Usage        *Usage
}

// StreamEvent wraps one incremental message event.
type StreamEvent struct {
	Event InnerEvent
}

func (SystemEvent) Type() Type    { return TypeSystem }
func (AssistantEvent) Type() Type { return TypeAssistant }
func (UserEvent) Type() Type      { return TypeUser }
func (PingEvent) Type() Type      { return TypePing }
func (ResultEvent) Type() Type    { return TypeResult }
func (StreamEvent) Type() Type    { return TypeStreamEvent }

func (SystemEvent) event()    {}
func (AssistantEvent) event() {}
func (UserEvent) event()      {}
func (PingEvent) event()      {}
func (ResultEvent) event()    {}
func (StreamEvent) event()    {}

// InnerType is the "type" field of the event wrapped by a stream_event line.
type InnerType string

const (
	InnerMessageStart      InnerType = "message_start"
	InnerContentBlockStart InnerType = "content_block_start"
	InnerContentBlockDelta InnerType = "content_block_delta"
	InnerContentBlockStop  InnerType = "content_block_stop"
	InnerMessageDelta      InnerType = "message_delta"
	InnerMessageStop       InnerType = "message_stop"
)

// InnerEvent is one of MessageStart, ContentBlockStart, ContentBlockDelta,
// ContentBlockStop, MessageDelta or MessageStop.
type InnerEvent interface {
	InnerType() InnerType
	innerEvent()
}

// MessageStart opens a new assistant message. Block indices from any
// previous message are no longer meaningful after it.
type MessageStart struct {
	MessageID string
	Role      string
}

// ContentBlockStart opens the content block at Index.
type ContentBlockStart struct {
	Index int
	Block ContentBlock
}

// ContentBlockDelta appends to the content block at Index.
type ContentBlockDelta struct {
	Index int
	Delta Delta
}

// ContentBlockStop closes the content block at Index.
type ContentBlockStop struct {
	Index int
}

// MessageDelta carries the stop reason and usage of the current message.
type MessageDelta struct {
	StopReason string
	Usage      *Usage
}

// MessageStop closes the current message.
type MessageStop struct{}

func (MessageStart) InnerType() InnerType      { return InnerMessageStart }
func (ContentBlockStart) InnerType() InnerType { return InnerContentBlockStart }
func (ContentBlockDelta) InnerType() InnerType { return InnerContentBlockDelta }
func (ContentBlockStop) InnerType() InnerType  { return InnerContentBlockStop }
func (MessageDelta) InnerType() InnerType      { return InnerMessageDelta }
func (MessageStop) InnerType() InnerType       { return InnerMessageStop }

func (MessageStart) innerEvent()      {}
func (ContentBlockStart) innerEvent() {}
func (ContentBlockDelta) innerEvent() {}
func (ContentBlockStop) innerEvent()  {}
func (MessageDelta) innerEvent()      {}
func (MessageStop) innerEvent()       {}

// ContentBlock is the payload of a content_block_start: TextBlock or
// ToolUseBlock.
type ContentBlock interface {
	contentBlock()
}

// TextBlock starts a text block, optionally with initial text.
type TextBlock struct {
	Text string
}

// ToolUseBlock starts a tool invocation. Input is normally empty here; the
// arguments arrive later as InputJSONDelta fragments.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input string
}

func (TextBlock) contentBlock()    {}
func (ToolUseBlock) contentBlock() {}

// Delta is the payload of a content_block_delta: TextDelta or
// InputJSONDelta.
type Delta interface {
	delta()
}

// TextDelta appends text to a text block.
type TextDelta struct {
	Text string
}

// InputJSONDelta appends a fragment of serialized JSON to a tool block's
// arguments. Fragments are not valid JSON on their own.
type InputJSONDelta struct {
	PartialJSON string
}

func (TextDelta) delta()      {}
func (InputJSONDelta) delta() {}
