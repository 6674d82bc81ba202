// Package trace implements the event/span data model, trace bundle
// construction, and manifest format that sit on top of the rolling hash
// chain and chunked encrypted log (pkg/flightrecorder) and the Merkle tree
// engine (pkg/merkle).
package trace

import (
	"errors"
	"fmt"
)

// Kind is the closed set of event variants. Extending this set is a
// minor-version bump, never an overload of an existing tag.
type Kind string

const (
	KindInferenceStart Kind = "inference:start"
	KindInferenceEnd    Kind = "inference:end"
	KindToolCall        Kind = "tool:call"
	KindToolResult      Kind = "tool:result"
	KindCommand         Kind = "command"
	KindOutput          Kind = "output"
	KindDecision        Kind = "decision"
	KindObservation     Kind = "observation"
	KindError           Kind = "error"
	KindCustom          Kind = "custom"
)

func (k Kind) valid() bool {
	switch k {
	case KindInferenceStart, KindInferenceEnd, KindToolCall, KindToolResult,
		KindCommand, KindOutput, KindDecision, KindObservation, KindError, KindCustom:
		return true
	default:
		return false
	}
}

// Visibility controls whether an event survives untouched in the public
// view of a bundle or is replaced with an opaque placeholder.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

var (
	ErrInvalidEvent = errors.New("trace: invalid event")
	ErrSpanClosed   = errors.New("trace: span closed")
	ErrSpanNotFound = errors.New("trace: span not found")
)

// Event is the closed tagged union described in spec §4.5. Only the fields
// relevant to Kind are expected to be set; every kind-specific field is
// tagged omitempty so the serialized event contains exactly the attributes
// that matter for that event, matching the flat object the reference test vectors hash.
type Event struct {
	ID         string     `json:"id"`
	Seq        int        `json:"seq"`
	Ts         string     `json:"ts"`
	Kind       Kind       `json:"kind"`
	SpanID     string     `json:"spanId,omitempty"`
	Visibility Visibility `json:"visibility"`
	Hash       string     `json:"hash,omitempty"`
	PrevHash   string     `json:"prevHash,omitempty"`

	// inference:start / inference:end
	RequestID   string                 `json:"requestId,omitempty"`
	Model       string                 `json:"model,omitempty"`
	PromptHash  string                 `json:"promptHash,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	OutputHash  string                 `json:"outputHash,omitempty"`
	TokenCounts map[string]interface{} `json:"tokenCounts,omitempty"`
	DurationMs  *float64               `json:"durationMs,omitempty"`

	// tool:call / tool:result
	ToolName   string `json:"toolName,omitempty"`
	ArgsHash   string `json:"argsHash,omitempty"`
	ResultHash string `json:"resultHash,omitempty"`
	Success    *bool  `json:"success,omitempty"`

	// command
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// output
	Content     string `json:"content,omitempty"`
	ContentHash string `json:"contentHash,omitempty"`

	// decision
	Reasoning  string   `json:"reasoning,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	// observation / custom
	Data interface{} `json:"data,omitempty"`

	// error
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
	Recoverable *bool  `json:"recoverable,omitempty"`

	// custom
	EventType string `json:"eventType,omitempty"`
}

// ValidateKindFields checks that the fields required for e.Kind (spec §4.5)
// are present, returning ErrInvalidEvent wrapped with the missing field
// name if not.
func (e *Event) ValidateKindFields() error {
	if !e.Kind.valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}

	missing := func(field string) error {
		return fmt.Errorf("%w: kind %q missing required field %q", ErrInvalidEvent, e.Kind, field)
	}

	switch e.Kind {
	case KindInferenceStart:
		if e.RequestID == "" {
			return missing("requestId")
		}
		if e.Model == "" {
			return missing("model")
		}
		if e.PromptHash == "" {
			return missing("promptHash")
		}
		if e.Params == nil {
			return missing("params")
		}
	case KindInferenceEnd:
		if e.RequestID == "" {
			return missing("requestId")
		}
		if e.OutputHash == "" {
			return missing("outputHash")
		}
		if e.TokenCounts == nil {
			return missing("tokenCounts")
		}
		if e.DurationMs == nil {
			return missing("durationMs")
		}
	case KindToolCall:
		if e.ToolName == "" {
			return missing("toolName")
		}
		if e.ArgsHash == "" {
			return missing("argsHash")
		}
	case KindToolResult:
		if e.ToolName == "" {
			return missing("toolName")
		}
		if e.ResultHash == "" {
			return missing("resultHash")
		}
		if e.Success == nil {
			return missing("success")
		}
	case KindCommand:
		if e.Command == "" {
			return missing("command")
		}
	case KindOutput:
		if e.Content == "" && e.ContentHash == "" {
			return fmt.Errorf("%w: kind %q requires content or contentHash", ErrInvalidEvent, e.Kind)
		}
	case KindDecision:
		if e.Reasoning == "" {
			return missing("reasoning")
		}
	case KindObservation:
		if e.Data == nil {
			return missing("data")
		}
	case KindError:
		if e.Error == "" {
			return missing("error")
		}
		if e.Code == "" {
			return missing("code")
		}
		if e.Recoverable == nil {
			return missing("recoverable")
		}
	case KindCustom:
		if e.EventType == "" {
			return missing("eventType")
		}
		if e.Data == nil {
			return missing("data")
		}
	}
	return nil
}

// canonicalFields returns the subset of the event that goes into the
// rolling hash chain: everything except Hash, which is always computed
// after the fact, and PrevHash, which flightrecorder.Chain.Append adds to
// the payload itself before hashing.
func (e *Event) canonicalFields() map[string]interface{} {
	clone := *e
	clone.Hash = ""
	m := map[string]interface{}{
		"id":         clone.ID,
		"seq":        clone.Seq,
		"ts":         clone.Ts,
		"kind":       clone.Kind,
		"visibility": clone.Visibility,
	}
	if clone.SpanID != "" {
		m["spanId"] = clone.SpanID
	}
	addIfSet := func(key, v string) {
		if v != "" {
			m[key] = v
		}
	}
	addIfSet("requestId", clone.RequestID)
	addIfSet("model", clone.Model)
	addIfSet("promptHash", clone.PromptHash)
	if clone.Params != nil {
		m["params"] = clone.Params
	}
	addIfSet("outputHash", clone.OutputHash)
	if clone.TokenCounts != nil {
		m["tokenCounts"] = clone.TokenCounts
	}
	if clone.DurationMs != nil {
		m["durationMs"] = *clone.DurationMs
	}
	addIfSet("toolName", clone.ToolName)
	addIfSet("argsHash", clone.ArgsHash)
	addIfSet("resultHash", clone.ResultHash)
	if clone.Success != nil {
		m["success"] = *clone.Success
	}
	addIfSet("command", clone.Command)
	if len(clone.Args) > 0 {
		m["args"] = clone.Args
	}
	addIfSet("content", clone.Content)
	addIfSet("contentHash", clone.ContentHash)
	addIfSet("reasoning", clone.Reasoning)
	if clone.Confidence != nil {
		m["confidence"] = *clone.Confidence
	}
	if clone.Data != nil {
		m["data"] = clone.Data
	}
	addIfSet("error", clone.Error)
	addIfSet("code", clone.Code)
	if clone.Recoverable != nil {
		m["recoverable"] = *clone.Recoverable
	}
	addIfSet("eventType", clone.EventType)
	return m
}
