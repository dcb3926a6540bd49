package types

import "encoding/json"

// MessageRole identifies who a message belongs to.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageType classifies a message beyond its role.
type MessageType string

const (
	MessageNormal          MessageType = "normal"
	MessageCompactBoundary MessageType = "compactBoundary"
	MessageCompactSummary  MessageType = "compactSummary"
	MessageStatus          MessageType = "status"
	MessageMeta            MessageType = "meta"
	MessageCompletion      MessageType = "completion"
	MessageError           MessageType = "error"
	MessageUnknown         MessageType = "unknown"
	MessageUser            MessageType = "userMessage"
)

// Attachment is a file attached to an outgoing user message.
type Attachment struct {
	Path      string `json:"path"`
	MediaType string `json:"mediaType,omitempty"`
}

// MessageTime contains timestamps for a message.
type MessageTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}

// Message is one entry in a conversation: an ordered list of fragments that
// arrived under a single message id.
//
// IsStreaming is true while the message is still receiving fragments. Once
// IsComplete is set the message is never mutated again.
type Message struct {
	ID          string       `json:"id"`
	Role        MessageRole  `json:"role"`
	Type        MessageType  `json:"type"`
	Fragments   []Fragment   `json:"fragments"`
	IsStreaming bool         `json:"isStreaming"`
	IsComplete  bool         `json:"isComplete"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Error       string       `json:"error,omitempty"`
	Time        MessageTime  `json:"time"`
}

// UnmarshalJSON decodes a persisted message, reconstructing the concrete
// fragment variants behind the Fragment interface.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Fragments []json.RawMessage `json:"fragments"`
	}{alias: (*alias)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.Fragments = make([]Fragment, 0, len(aux.Fragments))
	for _, raw := range aux.Fragments {
		frag, err := UnmarshalFragment(raw)
		if err != nil {
			// A transcript written by a newer version may carry fragment
			// kinds this build does not know. Preserve them.
			m.Fragments = append(m.Fragments, &UnknownFragment{Type: "unknown", Raw: raw})
			continue
		}
		m.Fragments = append(m.Fragments, frag)
	}
	return nil
}

// Text concatenates the message's text fragments.
func (m *Message) Text() string {
	var out string
	for _, f := range m.Fragments {
		if t, ok := f.(*TextFragment); ok {
			out += t.Text
		}
	}
	return out
}

// ToolInvocations pairs the message's tool calls with their results by
// ToolUseID. Results that match no call in this message are returned as
// orphaned invocations, in arrival order.
func (m *Message) ToolInvocations() []ToolInvocation {
	var invocations []ToolInvocation
	byID := make(map[string]int)

	for _, f := range m.Fragments {
		switch frag := f.(type) {
		case *ToolUseFragment:
			byID[frag.ToolUseID] = len(invocations)
			invocations = append(invocations, ToolInvocation{Use: frag})
		case *ToolResultFragment:
			if idx, ok := byID[frag.ToolUseID]; ok {
				invocations[idx].Result = frag
			} else {
				invocations = append(invocations, ToolInvocation{Result: frag})
			}
		}
	}
	return invocations
}
