package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/pkg/types"
)

func assistantLine(messageID string, frags ...types.Fragment) protocol.Decoded {
	return protocol.Decoded{
		MessageID: messageID,
		Role:      types.RoleAssistant,
		Fragments: frags,
	}
}

func partial(text string) *types.TextFragment {
	return &types.TextFragment{Type: "text", Text: text, Partial: true}
}

func cumulative(text string) *types.TextFragment {
	return &types.TextFragment{Type: "text", Text: text, Cumulative: true}
}

func plain(text string) *types.TextFragment {
	return &types.TextFragment{Type: "text", Text: text}
}

func TestCumulativeIgnoredAfterPartial(t *testing.T) {
	m := New("s1")

	m.Apply(assistantLine("msg1", partial("Hel")))
	m.Apply(assistantLine("msg1", partial("lo")))
	m.Apply(assistantLine("msg1", cumulative("Hello there")))

	conv := m.Snapshot()
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "Hello", conv.Messages[0].Text(),
		"cumulative snapshot must not duplicate already-streamed partials")
}

func TestCumulativeReplacesWithoutPartial(t *testing.T) {
	m := New("s1")

	m.Apply(assistantLine("msg1", cumulative("Hel")))
	m.Apply(assistantLine("msg1", cumulative("Hello there")))

	conv := m.Snapshot()
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "Hello there", conv.Messages[0].Text())
}

func TestPlainTextAppends(t *testing.T) {
	m := New("s1")

	m.Apply(assistantLine("msg1", plain("one ")))
	m.Apply(assistantLine("msg1", plain("two")))

	conv := m.Snapshot()
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "one two", conv.Messages[0].Text())
}

func TestPartialSuppressionResetsAtSegmentBoundary(t *testing.T) {
	m := New("s1")

	// Segment one: partials stream in, so its cumulative snapshot is
	// dropped.
	m.Apply(assistantLine("msg1", partial("thinking")))
	m.Apply(assistantLine("msg1", cumulative("thinking")))

	// A non-text fragment closes the segment.
	m.Apply(assistantLine("msg1", &types.ToolUseFragment{
		Type: "tool_use", ToolUseID: "t1", Name: "Read",
		Input: map[string]any{"file_path": "/x"},
	}))

	// Segment two: no partial has been seen here, so a cumulative snapshot
	// replaces again.
	m.Apply(assistantLine("msg1", cumulative("done")))

	conv := m.Snapshot()
	require.Len(t, conv.Messages, 1)

	texts := textFragments(conv.Messages[0])
	require.Len(t, texts, 2)
	assert.Equal(t, "thinking", texts[0].Text)
	assert.Equal(t, "done", texts[1].Text)
}

func textFragments(msg *types.Message) []*types.TextFragment {
	var out []*types.TextFragment
	for _, f := range msg.Fragments {
		if tf, ok := f.(*types.TextFragment); ok {
			out = append(out, tf)
		}
	}
	return out
}

func TestToolPairing(t *testing.T) {
	m := New("s1")

	use := &types.ToolUseFragment{
		Type: "tool_use", ToolUseID: "t1", Name: "Read",
		Input: map[string]any{"file_path": "/x"},
	}
	delta := m.Apply(assistantLine("msg1", use))
	require.Len(t, delta.ToolUses, 1)

	result := &types.ToolResultFragment{Type: "tool_result", ToolUseID: "t1", Content: "file contents"}
	delta = m.Apply(protocol.Decoded{Role: types.RoleUser, Fragments: []types.Fragment{result}})
	require.Len(t, delta.ToolResults, 1)
	assert.False(t, delta.ToolResults[0].Orphaned)

	invocations := m.ToolInvocations()
	require.Len(t, invocations, 1)
	assert.True(t, invocations[0].Completed())
	assert.Equal(t, "t1", invocations[0].Use.ToolUseID)
	assert.Equal(t, "file contents", invocations[0].Result.Content)
}

func TestOrphanedToolResult(t *testing.T) {
	m := New("s1")

	result := &types.ToolResultFragment{Type: "tool_result", ToolUseID: "ghost", Content: "late"}
	delta := m.Apply(protocol.Decoded{Role: types.RoleUser, Fragments: []types.Fragment{result}})

	require.Len(t, delta.ToolResults, 1)
	assert.True(t, delta.ToolResults[0].Orphaned, "unknown tool_use_id is recorded, never an error")

	invocations := m.ToolInvocations()
	require.Len(t, invocations, 1)
	assert.True(t, invocations[0].Orphaned())
}

func TestUsageAccounting(t *testing.T) {
	m := New("s1")

	m.Apply(protocol.Decoded{
		MessageID: "msg1",
		Role:      types.RoleAssistant,
		Fragments: []types.Fragment{plain("a")},
		Usage:     &types.Usage{InputTokens: 50, OutputTokens: 5, CacheReadTokens: 10},
	})
	m.Apply(protocol.Decoded{
		MessageID: "msg1",
		Role:      types.RoleAssistant,
		Fragments: []types.Fragment{plain("b")},
		Usage:     &types.Usage{InputTokens: 70, OutputTokens: 7, CacheReadTokens: 30},
	})

	conv := m.Snapshot()

	// Totals accumulate across reports.
	assert.Equal(t, 120, conv.TotalInputTokens)
	assert.Equal(t, 12, conv.TotalOutputTokens)
	assert.Equal(t, 40, conv.TotalCacheReadTokens)

	// Current-context counters are replaced wholesale by the last report.
	assert.Equal(t, 70, conv.CurrentContextInputTokens)
	assert.Equal(t, 30, conv.CurrentContextCacheReadTokens)
	assert.Equal(t, 100, conv.ContextTokens())
}

func TestEndTurnFinalizesMessage(t *testing.T) {
	m := New("s1")

	m.Apply(assistantLine("msg1", plain("answer")))
	conv := m.Snapshot()
	require.Len(t, conv.Messages, 1)
	assert.True(t, conv.Messages[0].IsStreaming)
	assert.False(t, conv.Messages[0].IsComplete)

	delta := m.Apply(assistantLine("msg1", &types.CompletionFragment{Type: "completion", StopReason: "end_turn"}))
	assert.True(t, delta.TurnDone)
	assert.Equal(t, "end_turn", delta.StopReason)

	conv = m.Snapshot()
	assert.False(t, conv.Messages[0].IsStreaming)
	assert.True(t, conv.Messages[0].IsComplete)
}

func TestToolUseStopReasonKeepsMessageOpen(t *testing.T) {
	m := New("s1")

	m.Apply(assistantLine("msg1", &types.TextFragment{
		Type: "text", Text: "calling a tool", StopReason: "tool_use",
	}))

	conv := m.Snapshot()
	require.Len(t, conv.Messages, 1)
	assert.True(t, conv.Messages[0].IsStreaming, "tool_use keeps the message open for the result")

	// More content lands on the same message.
	m.Apply(assistantLine("msg1", &types.ToolUseFragment{
		Type: "tool_use", ToolUseID: "t1", Name: "Glob", Input: map[string]any{},
	}))
	conv = m.Snapshot()
	assert.Len(t, conv.Messages, 1)
}

func TestErrorFinalizesOpenMessage(t *testing.T) {
	m := New("s1")

	m.Apply(assistantLine("msg1", plain("partial answer")))
	delta := m.Apply(protocol.Decoded{
		Role:      types.RoleSystem,
		Fragments: []types.Fragment{&types.ErrorFragment{Type: "error", Message: "overloaded"}},
	})

	assert.Equal(t, "overloaded", delta.ErrorMessage)

	conv := m.Snapshot()
	require.Len(t, conv.Messages, 1)
	assert.True(t, conv.Messages[0].IsComplete)
	assert.Equal(t, "overloaded", conv.Messages[0].Error)
	assert.Equal(t, "overloaded", conv.CurrentError)

	// A clean end_turn on the next turn clears the sticky error.
	m.Apply(assistantLine("msg2", &types.CompletionFragment{Type: "completion", StopReason: "end_turn"}))
	assert.Empty(t, m.Snapshot().CurrentError)
}

func TestUserTextIsCompleteOnArrival(t *testing.T) {
	m := New("s1")

	m.Apply(assistantLine("msg1", plain("streaming")))
	m.Apply(protocol.Decoded{
		Role:      types.RoleUser,
		Fragments: []types.Fragment{plain("echoed user input")},
	})

	conv := m.Snapshot()
	require.Len(t, conv.Messages, 2)
	user := conv.Messages[1]
	assert.Equal(t, types.RoleUser, user.Role)
	assert.True(t, user.IsComplete)
	assert.False(t, user.IsStreaming)

	// The assistant message was not stolen as a merge target.
	assert.Equal(t, "streaming", conv.Messages[0].Text())
}

func TestLoadRestoresHistoryClosed(t *testing.T) {
	m := New("s1")
	m.Load([]*types.Message{
		{ID: "old1", Role: types.RoleUser, Type: types.MessageUser, IsComplete: true},
		{ID: "old2", Role: types.RoleAssistant, Type: types.MessageNormal, IsStreaming: true},
	})

	// New content after a reload starts a fresh message, never reopening
	// restored history.
	m.Apply(assistantLine("msg3", plain("fresh")))

	conv := m.Snapshot()
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "fresh", conv.Messages[2].Text())
}

func TestCompactBoundaryDoesNotDisturbOpenMessage(t *testing.T) {
	m := New("s1")

	m.Apply(assistantLine("msg1", plain("working")))
	m.Apply(protocol.Decoded{
		Role: types.RoleSystem,
		Fragments: []types.Fragment{
			&types.CompactBoundaryFragment{Type: "compact_boundary", Trigger: "auto", PreTokens: 150000},
		},
	})
	m.Apply(assistantLine("msg1", plain(" still")))

	conv := m.Snapshot()
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "working still", conv.Messages[0].Text())
	assert.Equal(t, types.MessageCompactBoundary, conv.Messages[1].Type)
}

func TestSnapshotIsolation(t *testing.T) {
	m := New("s1")
	m.Apply(assistantLine("msg1", plain("v1")))

	before := m.Snapshot()
	m.Apply(assistantLine("msg1", plain(" v2")))

	assert.Equal(t, "v1", before.Messages[0].Text(), "snapshots must not observe later mutation")
	assert.Equal(t, "v1 v2", m.Snapshot().Messages[0].Text())
}

func TestAddUserMessageAndMarker(t *testing.T) {
	m := New("s1")

	msg := m.AddUserMessage("hello", nil)
	assert.Equal(t, types.RoleUser, msg.Role)
	assert.True(t, msg.IsComplete)
	assert.Equal(t, "hello", msg.Text())

	marker := m.AddMarker(types.MessageStatus, "aborted")
	assert.Equal(t, types.MessageStatus, marker.Type)

	assert.Len(t, m.Snapshot().Messages, 2)
}
