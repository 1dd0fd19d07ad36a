package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies a DecodeError.
type ErrorKind int

const (
	// MalformedJSON means the line is not valid JSON or a required field is
	// missing or has the wrong shape.
	MalformedJSON ErrorKind = iota + 1
	// UnknownType means a "type" discriminant (at any nesting level) is not
	// one this package knows.
	UnknownType
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedJSON:
		return "malformed_json"
	case UnknownType:
		return "unknown_type"
	default:
		return "unknown"
	}
}

// DecodeError is returned by Decode for every line it cannot turn into an
// Event. It is never fatal to the stream.
type DecodeError struct {
	Kind ErrorKind
	Tag  string // the unrecognised discriminant, for UnknownType
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == UnknownType {
		return fmt.Sprintf("unknown event type %q", e.Tag)
	}
	if e.Err != nil {
		return "malformed event: " + e.Err.Error()
	}
	return "malformed event"
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var (
	errMissingType  = errors.New(`missing "type" field`)
	errMissingEvent = errors.New(`stream_event without "event"`)
	errMissingIndex = errors.New(`missing or negative "index"`)
	errMissingBlock = errors.New(`content_block_start without "content_block"`)
	errMissingDelta = errors.New(`content_block_delta without "delta"`)
	errMissingName  = errors.New(`tool_use block without "name"`)
	errMissingText  = errors.New(`text_delta without "text"`)
	errMissingJSON  = errors.New(`input_json_delta without "partial_json"`)
)

func malformed(err error) error {
	return &DecodeError{Kind: MalformedJSON, Err: err}
}

func unknownType(tag string) error {
	return &DecodeError{Kind: UnknownType, Tag: tag}
}

type wireUsage struct {
	InputTokens  *uint64 `json:"input_tokens"`
	OutputTokens *uint64 `json:"output_tokens"`
}

func (u *wireUsage) usage() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
}

// Decode parses one non-empty NDJSON line. It has no side effects: the same
// line always yields the same Event or the same *DecodeError.
func Decode(line string) (Event, error) {
	data := []byte(line)

	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, malformed(err)
	}
	if envelope.Type == nil {
		return nil, malformed(errMissingType)
	}

	switch Type(*envelope.Type) {
	case TypeSystem:
		var w struct {
			Subtype   string `json:"subtype"`
			SessionID string `json:"session_id"`
			Model     string `json:"model"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, malformed(err)
		}
		return SystemEvent{Subtype: w.Subtype, SessionID: w.SessionID, Model: w.Model}, nil

	case TypeAssistant:
		var w struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, malformed(err)
		}
		return AssistantEvent{SessionID: w.SessionID}, nil

	case TypeUser:
		return UserEvent{}, nil

	case TypePing:
		return PingEvent{}, nil

	case TypeResult:
		var w struct {
			Subtype      string     `json:"subtype"`
			IsError      bool       `json:"is_error"`
			NumTurns     int        `json:"num_turns"`
			TotalCostUSD *float64   `json:"total_cost_usd"`
			DurationMS   *uint64    `json:"duration_ms"`
			Usage        *wireUsage `json:"usage"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, malformed(err)
		}
		return ResultEvent{
			Subtype:      w.Subtype,
			IsError:      w.IsError,
			NumTurns:     w.NumTurns,
			TotalCostUSD: w.TotalCostUSD,
			DurationMS:   w.DurationMS,
			Usage:        w.Usage.usage(),
		}, nil

	case TypeStreamEvent:
		var w struct {
			Event json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, malformed(err)
		}
		if isAbsent(w.Event) {
			return nil, malformed(errMissingEvent)
		}
		inner, err := decodeInner(w.Event)
		if err != nil {
			return nil, err
		}
		return StreamEvent{Event: inner}, nil

	default:
		return nil, unknownType(*envelope.Type)
	}
}

func decodeInner(data json.RawMessage) (InnerEvent, error) {
	var w struct {
		Type    *string `json:"type"`
		Index   *int    `json:"index"`
		Message *struct {
			ID   string `json:"id"`
			Role string `json:"role"`
		} `json:"message"`
		ContentBlock json.RawMessage `json:"content_block"`
		Delta        json.RawMessage `json:"delta"`
		Usage        *wireUsage      `json:"usage"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, malformed(err)
	}
	if w.Type == nil {
		return nil, malformed(errMissingType)
	}

	switch InnerType(*w.Type) {
	case InnerMessageStart:
		var ev MessageStart
		if w.Message != nil {
			ev.MessageID = w.Message.ID
			ev.Role = w.Message.Role
		}
		return ev, nil

	case InnerContentBlockStart:
		if w.Index == nil || *w.Index < 0 {
			return nil, malformed(errMissingIndex)
		}
		if isAbsent(w.ContentBlock) {
			return nil, malformed(errMissingBlock)
		}
		block, err := decodeBlock(w.ContentBlock)
		if err != nil {
			return nil, err
		}
		return ContentBlockStart{Index: *w.Index, Block: block}, nil

	case InnerContentBlockDelta:
		if w.Index == nil || *w.Index < 0 {
			return nil, malformed(errMissingIndex)
		}
		if isAbsent(w.Delta) {
			return nil, malformed(errMissingDelta)
		}
		delta, err := decodeDelta(w.Delta)
		if err != nil {
			return nil, err
		}
		return ContentBlockDelta{Index: *w.Index, Delta: delta}, nil

	case InnerContentBlockStop:
		if w.Index == nil || *w.Index < 0 {
			return nil, malformed(errMissingIndex)
		}
		return ContentBlockStop{Index: *w.Index}, nil

	case InnerMessageDelta:
		ev := MessageDelta{Usage: w.Usage.usage()}
		if !isAbsent(w.Delta) {
			var d struct {
				StopReason *string `json:"stop_reason"`
			}
			if err := json.Unmarshal(w.Delta, &d); err != nil {
				return nil, malformed(err)
			}
			if d.StopReason != nil {
				ev.StopReason = *d.StopReason
			}
		}
		return ev, nil

	case InnerMessageStop:
		return MessageStop{}, nil

	default:
		return nil, unknownType(*w.Type)
	}
}

func decodeBlock(data json.RawMessage) (ContentBlock, error) {
	var w struct {
		Type  *string         `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  *string         `json:"name"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, malformed(err)
	}
	if w.Type == nil {
		return nil, malformed(errMissingType)
	}

	switch *w.Type {
	case "text":
		return TextBlock{Text: w.Text}, nil
	case "tool_use":
		if w.Name == nil {
			return nil, malformed(errMissingName)
		}
		var input string
		if !isAbsent(w.Input) {
			input = string(w.Input)
		}
		return ToolUseBlock{ID: w.ID, Name: *w.Name, Input: input}, nil
	default:
		return nil, unknownType(*w.Type)
	}
}

func decodeDelta(data json.RawMessage) (Delta, error) {
	var w struct {
		Type        *string `json:"type"`
		Text        *string `json:"text"`
		PartialJSON *string `json:"partial_json"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, malformed(err)
	}
	if w.Type == nil {
		return nil, malformed(errMissingType)
	}

	switch *w.Type {
	case "text_delta":
		if w.Text == nil {
			return nil, malformed(errMissingText)
		}
		return TextDelta{Text: *w.Text}, nil
	case "input_json_delta":
		if w.PartialJSON == nil {
			return nil, malformed(errMissingJSON)
		}
		return InputJSONDelta{PartialJSON: *w.PartialJSON}, nil
	default:
		return nil, unknownType(*w.Type)
	}
}

// isAbsent reports whether a raw field was omitted or explicitly null.
func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
