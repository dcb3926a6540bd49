package types

import (
	"encoding/json"
	"fmt"
)

// Fragment is one decoded unit from the agent's wire protocol: a text chunk,
// a tool call, a tool result, and so on. The concrete variants below form a
// closed union; anything the decoder does not recognize becomes an
// UnknownFragment rather than being dropped.
type Fragment interface {
	FragmentType() string
}

// TextFragment is a chunk of message text.
//
// Partial marks a delta that must be appended to the open text buffer.
// Cumulative marks a snapshot of everything streamed so far, which replaces
// the buffer unless a partial has already been appended in the current
// segment. A fragment with neither flag is appended as-is.
type TextFragment struct {
	Type       string `json:"type"` // always "text"
	Text       string `json:"text"`
	Partial    bool   `json:"partial,omitempty"`
	Cumulative bool   `json:"cumulative,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
}

func (f *TextFragment) FragmentType() string { return "text" }

// ToolUseFragment is a request by the agent to run a tool. ToolUseID is
// unique for the lifetime of a session and is the sole join key between a
// tool call and its result.
type ToolUseFragment struct {
	Type      string         `json:"type"` // always "tool_use"
	ToolUseID string         `json:"toolUseID"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
}

func (f *ToolUseFragment) FragmentType() string { return "tool_use" }

// ToolResultFragment carries the outcome of a tool call back into the
// conversation.
type ToolResultFragment struct {
	Type      string `json:"type"` // always "tool_result"
	ToolUseID string `json:"toolUseID"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError,omitempty"`
}

func (f *ToolResultFragment) FragmentType() string { return "tool_result" }

// CompactBoundaryFragment marks the point where older history was compacted
// away. PreTokens is the context size before compaction.
type CompactBoundaryFragment struct {
	Type      string `json:"type"` // always "compact_boundary"
	Trigger   string `json:"trigger"`
	PreTokens int    `json:"preTokens"`
}

func (f *CompactBoundaryFragment) FragmentType() string { return "compact_boundary" }

// CompactSummaryFragment carries the summary text that replaced compacted
// history. It renders as user-role content but is not genuine user input.
type CompactSummaryFragment struct {
	Type                      string `json:"type"` // always "compact_summary"
	Text                      string `json:"text"`
	IsVisibleInTranscriptOnly bool   `json:"isVisibleInTranscriptOnly,omitempty"`
}

func (f *CompactSummaryFragment) FragmentType() string { return "compact_summary" }

// CompletionFragment reports the end of a model turn.
type CompletionFragment struct {
	Type       string  `json:"type"` // always "completion"
	StopReason string  `json:"stopReason"`
	CostUSD    float64 `json:"costUSD,omitempty"`
	DurationMS int64   `json:"durationMS,omitempty"`
}

func (f *CompletionFragment) FragmentType() string { return "completion" }

// ErrorFragment carries a fatal error reported on the stream.
type ErrorFragment struct {
	Type    string `json:"type"` // always "error"
	Message string `json:"message"`
}

func (f *ErrorFragment) FragmentType() string { return "error" }

// StatusFragment carries transient status text.
type StatusFragment struct {
	Type string `json:"type"` // always "status"
	Text string `json:"text"`
}

func (f *StatusFragment) FragmentType() string { return "status" }

// MetaFragment carries protocol metadata such as the init handshake.
type MetaFragment struct {
	Type    string         `json:"type"` // always "meta"
	Subtype string         `json:"subtype,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func (f *MetaFragment) FragmentType() string { return "meta" }

// UnknownFragment preserves a payload whose type the decoder does not
// recognize, verbatim, for forward compatibility.
type UnknownFragment struct {
	Type    string          `json:"type"` // always "unknown"
	RawType string          `json:"rawType"`
	Raw     json.RawMessage `json:"raw"`
}

func (f *UnknownFragment) FragmentType() string { return "unknown" }

// UnmarshalFragment decodes a persisted fragment into its concrete variant.
func UnmarshalFragment(data []byte) (Fragment, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	var f Fragment
	switch probe.Type {
	case "text":
		f = &TextFragment{}
	case "tool_use":
		f = &ToolUseFragment{}
	case "tool_result":
		f = &ToolResultFragment{}
	case "compact_boundary":
		f = &CompactBoundaryFragment{}
	case "compact_summary":
		f = &CompactSummaryFragment{}
	case "completion":
		f = &CompletionFragment{}
	case "error":
		f = &ErrorFragment{}
	case "status":
		f = &StatusFragment{}
	case "meta":
		f = &MetaFragment{}
	case "unknown":
		f = &UnknownFragment{}
	default:
		return nil, fmt.Errorf("unknown fragment type: %q", probe.Type)
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, err
	}
	return f, nil
}

// ToolInvocation pairs a tool call with its result, if one has arrived.
// An invocation with a nil Use is an orphaned result: a result whose
// ToolUseID matched nothing in the conversation.
type ToolInvocation struct {
	Use    *ToolUseFragment    `json:"use,omitempty"`
	Result *ToolResultFragment `json:"result,omitempty"`
}

// Orphaned reports whether this invocation is a result without a call.
func (ti ToolInvocation) Orphaned() bool { return ti.Use == nil }

// Completed reports whether both the call and its result are present.
func (ti ToolInvocation) Completed() bool { return ti.Use != nil && ti.Result != nil }
