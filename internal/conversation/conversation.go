// Package conversation maintains the replayable conversation model for one
// session. Fragments are applied strictly in arrival order; the package
// never reorders or speculates.
package conversation

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/pkg/types"
)

// ToolResultDelta reports one tool result applied by a call to Apply.
type ToolResultDelta struct {
	MessageID string
	Result    *types.ToolResultFragment
	Orphaned  bool
}

// Delta describes what one protocol line changed, so the session manager can
// route tool calls through the policy engine and track turn completion
// without re-diffing the conversation.
type Delta struct {
	Updated      []*types.Message
	ToolUses     []*types.ToolUseFragment
	ToolResults  []ToolResultDelta
	TurnDone     bool
	StopReason   string
	ErrorMessage string
}

// Machine is the conversation state machine for a single session. Apply must
// be called from one goroutine in arrival order; snapshots may be taken
// concurrently.
type Machine struct {
	mu        sync.RWMutex
	sessionID string
	conv      types.Conversation

	// openID tracks the currently-open streaming message. It is owned by
	// this machine alone so concurrent sessions can never leak state into
	// each other.
	openID string

	// partialSeen is true once a partial text fragment has been appended in
	// the current text segment of the open message. It resets on every
	// non-text fragment and on every message boundary.
	partialSeen bool
}

// New creates a machine for a session.
func New(sessionID string) *Machine {
	return &Machine{sessionID: sessionID}
}

// Load seeds the machine with previously persisted history. Restored
// messages are treated as closed regardless of how they were left.
func (m *Machine) Load(messages []*types.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conv.Messages = append([]*types.Message(nil), messages...)
	m.openID = ""
	m.partialSeen = false
}

// Apply folds one decoded line into the conversation.
func (m *Machine) Apply(d protocol.Decoded) Delta {
	m.mu.Lock()
	defer m.mu.Unlock()

	var delta Delta
	for _, frag := range d.Fragments {
		m.applyFragment(frag, d, &delta)
	}
	if d.Usage != nil {
		m.applyUsage(*d.Usage)
	}
	return delta
}

func (m *Machine) applyFragment(frag types.Fragment, d protocol.Decoded, delta *Delta) {
	switch f := frag.(type) {
	case *types.TextFragment:
		m.applyText(f, d, delta)
	case *types.ToolUseFragment:
		msg := m.target(d.MessageID, types.RoleAssistant, types.MessageNormal, delta)
		msg.Fragments = append(msg.Fragments, f)
		m.partialSeen = false
		m.touch(msg, delta)
		delta.ToolUses = append(delta.ToolUses, f)
	case *types.ToolResultFragment:
		m.applyToolResult(f, delta)
	case *types.CompactBoundaryFragment:
		// Compaction markers never disturb the open streaming message.
		msg := m.standalone(types.RoleSystem, types.MessageCompactBoundary)
		msg.Fragments = append(msg.Fragments, f)
		delta.Updated = append(delta.Updated, msg)
	case *types.CompactSummaryFragment:
		msg := m.standalone(types.RoleUser, types.MessageCompactSummary)
		msg.Fragments = append(msg.Fragments, f)
		delta.Updated = append(delta.Updated, msg)
	case *types.CompletionFragment:
		var msg *types.Message
		if m.openID != "" {
			msg = m.openMessage()
		} else {
			msg = m.standalone(types.RoleSystem, types.MessageCompletion)
		}
		msg.Fragments = append(msg.Fragments, f)
		m.partialSeen = false
		m.touch(msg, delta)
		m.applyStopReason(f.StopReason, delta)
	case *types.ErrorFragment:
		m.applyError(f, delta)
	case *types.StatusFragment:
		msg := m.standalone(types.RoleSystem, types.MessageStatus)
		msg.Fragments = append(msg.Fragments, f)
		delta.Updated = append(delta.Updated, msg)
	case *types.MetaFragment:
		msg := m.standalone(types.RoleSystem, types.MessageMeta)
		msg.Fragments = append(msg.Fragments, f)
		delta.Updated = append(delta.Updated, msg)
	case *types.UnknownFragment:
		msg := m.standalone(types.RoleSystem, types.MessageUnknown)
		msg.Fragments = append(msg.Fragments, f)
		delta.Updated = append(delta.Updated, msg)
	}
}

// applyText implements the text merge rule. Within one segment (bounded by
// non-text fragments): partials append, cumulatives replace unless a partial
// was already appended (in which case the cumulative would duplicate it and
// is dropped), plain fragments append.
func (m *Machine) applyText(f *types.TextFragment, d protocol.Decoded, delta *Delta) {
	role := d.Role
	msgType := types.MessageNormal
	if role == types.RoleUser {
		msgType = types.MessageUser
	}

	msg := m.target(d.MessageID, role, msgType, delta)

	last := lastText(msg)
	switch {
	case f.Partial:
		if last != nil {
			last.Text += f.Text
		} else {
			msg.Fragments = append(msg.Fragments, &types.TextFragment{Type: "text", Text: f.Text})
		}
		m.partialSeen = true
	case f.Cumulative:
		if !m.partialSeen {
			if last != nil {
				last.Text = f.Text
			} else {
				msg.Fragments = append(msg.Fragments, &types.TextFragment{Type: "text", Text: f.Text})
			}
		}
	default:
		if last != nil {
			last.Text += f.Text
		} else {
			msg.Fragments = append(msg.Fragments, &types.TextFragment{Type: "text", Text: f.Text})
		}
	}

	m.touch(msg, delta)

	if role == types.RoleUser {
		// Genuine user input is complete on arrival.
		msg.IsStreaming = false
		msg.IsComplete = true
		m.openID = ""
		m.partialSeen = false
		return
	}

	m.applyStopReason(f.StopReason, delta)
}

// applyToolResult pairs a result with its call by ToolUseID, searching the
// whole conversation newest-first. A result that matches nothing is appended
// as an orphan: a visible anomaly, never an error.
func (m *Machine) applyToolResult(f *types.ToolResultFragment, delta *Delta) {
	for i := len(m.conv.Messages) - 1; i >= 0; i-- {
		msg := m.conv.Messages[i]
		for _, frag := range msg.Fragments {
			use, ok := frag.(*types.ToolUseFragment)
			if !ok || use.ToolUseID != f.ToolUseID {
				continue
			}
			msg.Fragments = append(msg.Fragments, f)
			if msg.ID == m.openID {
				m.partialSeen = false
			}
			m.touch(msg, delta)
			delta.ToolResults = append(delta.ToolResults, ToolResultDelta{MessageID: msg.ID, Result: f})
			return
		}
	}

	var msg *types.Message
	if m.openID != "" {
		msg = m.openMessage()
		m.partialSeen = false
	} else {
		msg = m.standalone(types.RoleAssistant, types.MessageNormal)
	}
	msg.Fragments = append(msg.Fragments, f)
	m.touch(msg, delta)
	delta.ToolResults = append(delta.ToolResults, ToolResultDelta{MessageID: msg.ID, Result: f, Orphaned: true})
}

func (m *Machine) applyError(f *types.ErrorFragment, delta *Delta) {
	if m.openID != "" {
		msg := m.openMessage()
		msg.Error = f.Message
		msg.IsStreaming = false
		msg.IsComplete = true
		m.touch(msg, delta)
		m.openID = ""
		m.partialSeen = false
	} else {
		msg := m.standalone(types.RoleSystem, types.MessageError)
		msg.Fragments = append(msg.Fragments, f)
		msg.Error = f.Message
		delta.Updated = append(delta.Updated, msg)
	}

	m.conv.CurrentError = f.Message
	delta.ErrorMessage = f.Message
}

// applyStopReason finalizes the open message on end_turn. tool_use keeps the
// message open: a tool call is expected next.
func (m *Machine) applyStopReason(reason string, delta *Delta) {
	if reason != "end_turn" {
		return
	}
	if m.openID != "" {
		msg := m.openMessage()
		msg.IsStreaming = false
		msg.IsComplete = true
		m.touch(msg, delta)
	}
	m.openID = ""
	m.partialSeen = false
	delta.TurnDone = true
	delta.StopReason = reason
	m.conv.CurrentError = ""
}

// applyUsage adds counters to the cumulative totals and replaces the
// current-context counters wholesale.
func (m *Machine) applyUsage(u types.Usage) {
	m.conv.TotalInputTokens += u.InputTokens
	m.conv.TotalOutputTokens += u.OutputTokens
	m.conv.TotalCacheReadTokens += u.CacheReadTokens
	m.conv.TotalCacheCreationTokens += u.CacheCreationTokens
	m.conv.TotalCostUSD += u.CostUSD

	// A cost-only report carries no token counters; replacing the context
	// counters with zeros would erase the last real reading.
	if u.InputTokens == 0 && u.OutputTokens == 0 && u.CacheReadTokens == 0 && u.CacheCreationTokens == 0 {
		return
	}
	m.conv.CurrentContextInputTokens = u.InputTokens
	m.conv.CurrentContextCacheReadTokens = u.CacheReadTokens
	m.conv.CurrentContextCacheCreationTokens = u.CacheCreationTokens
}

// target returns the message a streamed fragment belongs to: the open
// message when the declared id matches (or when the fragment carries no id
// and a message is streaming), otherwise a fresh one. A superseded open
// message is simply left as it was.
func (m *Machine) target(messageID string, role types.MessageRole, msgType types.MessageType, delta *Delta) *types.Message {
	if m.openID != "" {
		open := m.openMessage()
		// An id-less fragment (a streamed delta) belongs to the open message
		// only when the roles agree; a user line never merges into an open
		// assistant message.
		if messageID == m.openID || (messageID == "" && role == open.Role) {
			return open
		}
	}

	id := messageID
	if id == "" {
		id = ulid.Make().String()
	}

	msg := &types.Message{
		ID:          id,
		Role:        role,
		Type:        msgType,
		IsStreaming: true,
		Time:        types.MessageTime{Created: time.Now().UnixMilli()},
	}
	m.conv.Messages = append(m.conv.Messages, msg)
	m.openID = msg.ID
	m.partialSeen = false
	delta.Updated = append(delta.Updated, msg)
	return msg
}

// standalone appends a closed single-purpose message without touching the
// open streaming message.
func (m *Machine) standalone(role types.MessageRole, msgType types.MessageType) *types.Message {
	msg := &types.Message{
		ID:         ulid.Make().String(),
		Role:       role,
		Type:       msgType,
		IsComplete: true,
		Time:       types.MessageTime{Created: time.Now().UnixMilli()},
	}
	m.conv.Messages = append(m.conv.Messages, msg)
	return msg
}

// AddUserMessage records an outgoing user message in the model.
func (m *Machine) AddUserMessage(text string, attachments []types.Attachment) *types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := m.standalone(types.RoleUser, types.MessageUser)
	msg.Fragments = append(msg.Fragments, &types.TextFragment{Type: "text", Text: text})
	msg.Attachments = attachments
	return msg
}

// AddMarker appends a synthetic system message, such as the aborted marker.
func (m *Machine) AddMarker(msgType types.MessageType, text string) *types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := m.standalone(types.RoleSystem, msgType)
	msg.Fragments = append(msg.Fragments, &types.StatusFragment{Type: "status", Text: text})
	return msg
}

// CloseOpen marks the open streaming message complete, if there is one.
func (m *Machine) CloseOpen() *types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openID == "" {
		return nil
	}
	msg := m.openMessage()
	msg.IsStreaming = false
	msg.IsComplete = true
	m.openID = ""
	m.partialSeen = false
	return msg
}

// Snapshot returns a copy of the conversation safe to hand to observers. The
// still-streaming tail message is copied; closed messages are immutable and
// shared.
func (m *Machine) Snapshot() *types.Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.conv
	snap.Messages = append([]*types.Message(nil), m.conv.Messages...)
	for i, msg := range snap.Messages {
		snap.Messages[i] = CopyMessage(msg)
	}
	return &snap
}

// CopyMessage returns a message safe to hand to concurrent observers. A
// message that is done streaming is immutable and shared as-is; a
// still-streaming one gets a value copy, with its text fragments duplicated
// since those are mutated in place as deltas arrive.
func CopyMessage(msg *types.Message) *types.Message {
	if !msg.IsStreaming {
		return msg
	}
	cp := *msg
	cp.Fragments = make([]types.Fragment, len(msg.Fragments))
	for i, frag := range msg.Fragments {
		if t, ok := frag.(*types.TextFragment); ok {
			tc := *t
			cp.Fragments[i] = &tc
			continue
		}
		cp.Fragments[i] = frag
	}
	return &cp
}

// ToolInvocations pairs every tool call in the conversation with its result.
func (m *Machine) ToolInvocations() []types.ToolInvocation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []types.ToolInvocation
	for _, msg := range m.conv.Messages {
		all = append(all, msg.ToolInvocations()...)
	}
	return all
}

func (m *Machine) openMessage() *types.Message {
	for i := len(m.conv.Messages) - 1; i >= 0; i-- {
		if m.conv.Messages[i].ID == m.openID {
			return m.conv.Messages[i]
		}
	}
	return nil
}

func (m *Machine) touch(msg *types.Message, delta *Delta) {
	now := time.Now().UnixMilli()
	msg.Time.Updated = &now
	for _, u := range delta.Updated {
		if u == msg {
			return
		}
	}
	delta.Updated = append(delta.Updated, msg)
}

func lastText(msg *types.Message) *types.TextFragment {
	if len(msg.Fragments) == 0 {
		return nil
	}
	if t, ok := msg.Fragments[len(msg.Fragments)-1].(*types.TextFragment); ok {
		return t
	}
	return nil
}
