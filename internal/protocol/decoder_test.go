package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/types"
)

func TestDecodeGarbage(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", "this is not json"},
		{"empty object", "{}"},
		{"missing type", `{"message":{"role":"assistant"}}`},
		{"empty line", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecodeLine([]byte(tt.line))
			assert.True(t, d.Empty(), "garbage must decode to nothing, never panic or error")
		})
	}
}

func TestDecodeAssistantText(t *testing.T) {
	line := `{"type":"assistant","message":{"id":"msg_01","role":"assistant","content":[{"type":"text","text":"Hello there"}],"stop_reason":"end_turn"}}`

	d := DecodeLine([]byte(line))
	assert.Equal(t, "msg_01", d.MessageID)
	assert.Equal(t, types.RoleAssistant, d.Role)
	require.Len(t, d.Fragments, 1)

	text, ok := d.Fragments[0].(*types.TextFragment)
	require.True(t, ok)
	assert.Equal(t, "Hello there", text.Text)
	assert.True(t, text.Cumulative, "assistant text blocks are snapshots of the streamed buffer")
	assert.Equal(t, "end_turn", text.StopReason)
}

func TestDecodeAssistantOnlyFirstTextBlockCumulative(t *testing.T) {
	line := `{"type":"assistant","message":{"id":"msg_01","role":"assistant","content":[` +
		`{"type":"text","text":"first"},` +
		`{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"/x"}},` +
		`{"type":"text","text":"second"}]}}`

	d := DecodeLine([]byte(line))
	require.Len(t, d.Fragments, 3)

	first := d.Fragments[0].(*types.TextFragment)
	assert.True(t, first.Cumulative)

	use := d.Fragments[1].(*types.ToolUseFragment)
	assert.Equal(t, "t1", use.ToolUseID)
	assert.Equal(t, "Read", use.Name)
	assert.Equal(t, map[string]any{"file_path": "/x"}, use.Input)

	second := d.Fragments[2].(*types.TextFragment)
	assert.False(t, second.Cumulative, "a later text block is distinct content, not a snapshot")
}

func TestDecodeAssistantStringContent(t *testing.T) {
	line := `{"type":"assistant","message":{"id":"msg_01","role":"assistant","content":"plain string"}}`

	d := DecodeLine([]byte(line))
	require.Len(t, d.Fragments, 1)
	assert.Equal(t, "plain string", d.Fragments[0].(*types.TextFragment).Text)
}

func TestDecodeStreamEventDelta(t *testing.T) {
	line := `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"},"message":{"id":"msg_01"}}}`

	d := DecodeLine([]byte(line))
	assert.Equal(t, "msg_01", d.MessageID)
	require.Len(t, d.Fragments, 1)

	text := d.Fragments[0].(*types.TextFragment)
	assert.Equal(t, "Hel", text.Text)
	assert.True(t, text.Partial)
	assert.False(t, text.Cumulative)
}

func TestDecodeStreamEventWithoutDelta(t *testing.T) {
	d := DecodeLine([]byte(`{"type":"stream_event","event":{"type":"message_start"}}`))
	assert.Empty(t, d.Fragments)
}

func TestDecodeUserToolResults(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"t1","content":"ok"},` +
		`{"type":"tool_result","tool_use_id":"t2","content":[{"type":"text","text":"boom"}],"is_error":true}]}}`

	d := DecodeLine([]byte(line))
	assert.Equal(t, types.RoleUser, d.Role)
	require.Len(t, d.Fragments, 2)

	first := d.Fragments[0].(*types.ToolResultFragment)
	assert.Equal(t, "t1", first.ToolUseID)
	assert.Equal(t, "ok", first.Content)
	assert.False(t, first.IsError)

	second := d.Fragments[1].(*types.ToolResultFragment)
	assert.Equal(t, "t2", second.ToolUseID)
	assert.Equal(t, "boom", second.Content)
	assert.True(t, second.IsError)
}

func TestDecodeUserMetaDropped(t *testing.T) {
	line := `{"type":"user","isMeta":true,"message":{"role":"user","content":"internal plumbing"}}`
	d := DecodeLine([]byte(line))
	assert.Empty(t, d.Fragments)
}

func TestDecodeUserCompactSummary(t *testing.T) {
	line := `{"type":"user","isCompactSummary":true,"isVisibleInTranscriptOnly":true,"message":{"role":"user","content":"summary of earlier work"}}`

	d := DecodeLine([]byte(line))
	require.Len(t, d.Fragments, 1)

	summary := d.Fragments[0].(*types.CompactSummaryFragment)
	assert.Equal(t, "summary of earlier work", summary.Text)
	assert.True(t, summary.IsVisibleInTranscriptOnly)
}

func TestDecodeUserPlainText(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":"hello agent"}}`

	d := DecodeLine([]byte(line))
	require.Len(t, d.Fragments, 1)

	text := d.Fragments[0].(*types.TextFragment)
	assert.Equal(t, "hello agent", text.Text)
	assert.False(t, text.Cumulative)
}

func TestDecodeSystemCompactBoundary(t *testing.T) {
	line := `{"type":"system","subtype":"compact_boundary","compact_metadata":{"trigger":"auto","pre_tokens":155000}}`

	d := DecodeLine([]byte(line))
	require.Len(t, d.Fragments, 1)

	boundary := d.Fragments[0].(*types.CompactBoundaryFragment)
	assert.Equal(t, "auto", boundary.Trigger)
	assert.Equal(t, 155000, boundary.PreTokens)
}

func TestDecodeSystemInit(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"abc123"}`

	d := DecodeLine([]byte(line))
	require.Len(t, d.Fragments, 1)

	meta := d.Fragments[0].(*types.MetaFragment)
	assert.Equal(t, "init", meta.Subtype)
	assert.Equal(t, "abc123", meta.Data["session_id"])
}

func TestDecodeResultSuccess(t *testing.T) {
	line := `{"type":"result","subtype":"success","total_cost_usd":0.0421,"duration_ms":5120,"result":"done"}`

	d := DecodeLine([]byte(line))
	require.Len(t, d.Fragments, 1)

	completion := d.Fragments[0].(*types.CompletionFragment)
	assert.Equal(t, "end_turn", completion.StopReason)
	assert.Equal(t, 0.0421, completion.CostUSD)
	assert.Equal(t, int64(5120), completion.DurationMS)
}

func TestDecodeResultError(t *testing.T) {
	line := `{"type":"result","is_error":true,"result":"model overloaded"}`

	d := DecodeLine([]byte(line))
	require.Len(t, d.Fragments, 1)

	frag := d.Fragments[0].(*types.ErrorFragment)
	assert.Equal(t, "model overloaded", frag.Message)
}

func TestDecodeUnknownTypePreserved(t *testing.T) {
	line := `{"type":"wormhole","payload":{"x":1}}`

	d := DecodeLine([]byte(line))
	require.Len(t, d.Fragments, 1)

	unknown := d.Fragments[0].(*types.UnknownFragment)
	assert.Equal(t, "wormhole", unknown.RawType)
	assert.JSONEq(t, line, string(unknown.Raw), "unrecognized payloads are carried verbatim, never dropped")
}

func TestExtractUsage(t *testing.T) {
	tests := []struct {
		name string
		line string
		want *types.Usage
	}{
		{
			name: "message usage preferred",
			line: `{"type":"assistant","usage":{"input_tokens":1},"message":{"role":"assistant","content":[],"usage":{"input_tokens":50,"output_tokens":5,"cache_read_input_tokens":10}}}`,
			want: &types.Usage{InputTokens: 50, OutputTokens: 5, CacheReadTokens: 10},
		},
		{
			name: "top-level fallback",
			line: `{"type":"result","usage":{"input_tokens":70,"output_tokens":7}}`,
			want: &types.Usage{InputTokens: 70, OutputTokens: 7},
		},
		{
			name: "all-zero means not reported",
			line: `{"type":"assistant","message":{"role":"assistant","content":[],"usage":{"input_tokens":0,"output_tokens":0}}}`,
			want: nil,
		},
		{
			name: "absent usage",
			line: `{"type":"assistant","message":{"role":"assistant","content":[]}}`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecodeLine([]byte(tt.line))
			assert.Equal(t, tt.want, d.Usage)
		})
	}
}

func TestRoleMapping(t *testing.T) {
	assert.Equal(t, types.RoleAssistant, DecodeLine([]byte(`{"type":"stream_event"}`)).Role)
	assert.Equal(t, types.RoleAssistant, DecodeLine([]byte(`{"type":"result"}`)).Role)
	assert.Equal(t, types.RoleSystem, DecodeLine([]byte(`{"type":"system","subtype":"init"}`)).Role)
}
