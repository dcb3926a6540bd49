// Package protocol decodes the agent subprocess's line-delimited JSON event
// stream into typed fragments. Decoding one line is a pure, synchronous
// operation; all conversation state lives in the conversation package.
package protocol

import (
	"encoding/json"

	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/pkg/types"
)

// Decoded is the result of decoding one raw protocol line: zero or more
// fragments in payload order, the message id they were declared under (empty
// when the line carries none), the payload role, and the usage side-channel
// when the line reported token counters.
type Decoded struct {
	MessageID string
	Role      types.MessageRole
	Fragments []types.Fragment
	Usage     *types.Usage
}

// Empty reports whether decoding produced nothing to apply.
func (d Decoded) Empty() bool {
	return len(d.Fragments) == 0 && d.Usage == nil
}

// rawLine is the envelope every protocol line shares. Everything beyond the
// type discriminant is optional.
type rawLine struct {
	Type                      string          `json:"type"`
	Subtype                   string          `json:"subtype"`
	IsMeta                    bool            `json:"isMeta"`
	IsCompactSummary          bool            `json:"isCompactSummary"`
	IsVisibleInTranscriptOnly bool            `json:"isVisibleInTranscriptOnly"`
	SessionID                 string          `json:"session_id"`
	MessageID                 string          `json:"message_id"`
	Message                   *rawMessage     `json:"message"`
	Event                     *rawStreamEvent `json:"event"`
	CompactMetadata           *rawCompactMeta `json:"compact_metadata"`
	Usage                     *rawUsage       `json:"usage"`
	TotalCostUSD              float64         `json:"total_cost_usd"`
	DurationMS                int64           `json:"duration_ms"`
	IsError                   bool            `json:"is_error"`
	Result                    string          `json:"result"`
	Error                     string          `json:"error"`
}

type rawMessage struct {
	ID         string          `json:"id"`
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *rawUsage       `json:"usage"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type rawStreamEvent struct {
	Type    string          `json:"type"`
	Message *rawMessage     `json:"message"`
	Delta   *rawBlockDelta  `json:"delta"`
	Usage   *rawUsage       `json:"usage"`
}

type rawBlockDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type rawCompactMeta struct {
	Trigger   string `json:"trigger"`
	PreTokens int    `json:"pre_tokens"`
}

type rawUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

// DecodeLine decodes one raw protocol line. It never fails: lines that are
// not valid JSON, or valid JSON without a type discriminant, decode to an
// empty result, and lines with an unrecognized type decode to an Unknown
// fragment carrying the payload verbatim.
func DecodeLine(raw []byte) Decoded {
	var line rawLine
	if err := json.Unmarshal(raw, &line); err != nil {
		logging.Debug().Str("line", truncate(string(raw), 200)).Msg("skipping unparseable protocol line")
		return Decoded{}
	}
	if line.Type == "" {
		return Decoded{}
	}

	d := Decoded{
		MessageID: messageID(&line),
		Role:      role(&line),
		Usage:     extractUsage(&line),
	}

	switch line.Type {
	case "assistant":
		d.Fragments = decodeAssistant(&line)
	case "user":
		d.Fragments = decodeUser(&line)
	case "system":
		d.Fragments = decodeSystem(&line)
	case "result":
		d.Fragments = decodeResult(&line)
	case "stream_event":
		d.Fragments = decodeStreamEvent(&line)
	default:
		d.Fragments = []types.Fragment{&types.UnknownFragment{
			Type:    "unknown",
			RawType: line.Type,
			Raw:     json.RawMessage(append([]byte(nil), raw...)),
		}}
	}

	return d
}

// decodeAssistant expands an assistant payload's content blocks, one fragment
// per block in payload order. Text blocks are cumulative snapshots: when the
// agent also streams deltas, the same text arrives twice and the conversation
// layer must not duplicate it.
func decodeAssistant(line *rawLine) []types.Fragment {
	if line.Message == nil {
		return nil
	}

	var fragments []types.Fragment
	firstText := true
	for _, block := range blocks(line.Message.Content) {
		switch block.Type {
		case "text":
			// Only the first text block is a snapshot of the streamed
			// buffer; later text blocks in the same payload are distinct
			// content and must be appended, not merged away.
			fragments = append(fragments, &types.TextFragment{
				Type:       "text",
				Text:       block.Text,
				Cumulative: firstText,
				StopReason: line.Message.StopReason,
			})
			firstText = false
		case "tool_use":
			fragments = append(fragments, &types.ToolUseFragment{
				Type:      "tool_use",
				ToolUseID: block.ID,
				Name:      block.Name,
				Input:     block.Input,
			})
		}
	}
	return fragments
}

// decodeUser handles tool results, compact summaries and genuine user input.
// Meta-flagged payloads are internal plumbing and decode to nothing.
func decodeUser(line *rawLine) []types.Fragment {
	if line.IsMeta {
		return nil
	}
	if line.Message == nil {
		return nil
	}

	if line.IsCompactSummary {
		return []types.Fragment{&types.CompactSummaryFragment{
			Type:                      "compact_summary",
			Text:                      contentText(line.Message.Content),
			IsVisibleInTranscriptOnly: line.IsVisibleInTranscriptOnly,
		}}
	}

	var results []types.Fragment
	for _, block := range blocks(line.Message.Content) {
		if block.Type != "tool_result" {
			continue
		}
		results = append(results, &types.ToolResultFragment{
			Type:      "tool_result",
			ToolUseID: block.ToolUseID,
			Content:   contentText(block.Content),
			IsError:   block.IsError,
		})
	}
	if len(results) > 0 {
		return results
	}

	return []types.Fragment{&types.TextFragment{
		Type: "text",
		Text: contentText(line.Message.Content),
	}}
}

func decodeSystem(line *rawLine) []types.Fragment {
	switch line.Subtype {
	case "compact_boundary":
		frag := &types.CompactBoundaryFragment{Type: "compact_boundary"}
		if line.CompactMetadata != nil {
			frag.Trigger = line.CompactMetadata.Trigger
			frag.PreTokens = line.CompactMetadata.PreTokens
		}
		return []types.Fragment{frag}
	default:
		// init handshakes and other system notices carry metadata only.
		return []types.Fragment{&types.MetaFragment{
			Type:    "meta",
			Subtype: line.Subtype,
			Data:    map[string]any{"session_id": line.SessionID},
		}}
	}
}

func decodeResult(line *rawLine) []types.Fragment {
	if line.IsError || line.Error != "" {
		msg := line.Error
		if msg == "" {
			msg = line.Result
		}
		return []types.Fragment{&types.ErrorFragment{Type: "error", Message: msg}}
	}
	return []types.Fragment{&types.CompletionFragment{
		Type:       "completion",
		StopReason: "end_turn",
		CostUSD:    line.TotalCostUSD,
		DurationMS: line.DurationMS,
	}}
}

// decodeStreamEvent yields partial text fragments from content_block_delta
// events. All other stream events carry no content of their own.
func decodeStreamEvent(line *rawLine) []types.Fragment {
	if line.Event == nil {
		return nil
	}
	if line.Event.Type == "content_block_delta" && line.Event.Delta != nil && line.Event.Delta.Text != "" {
		return []types.Fragment{&types.TextFragment{
			Type:    "text",
			Text:    line.Event.Delta.Text,
			Partial: true,
		}}
	}
	return nil
}

// extractUsage pulls token counters from wherever the payload carries them,
// preferring message.usage over the top level. All-zero counters mean the
// line reported nothing.
func extractUsage(line *rawLine) *types.Usage {
	var src *rawUsage
	switch {
	case line.Message != nil && line.Message.Usage != nil:
		src = line.Message.Usage
	case line.Event != nil && line.Event.Message != nil && line.Event.Message.Usage != nil:
		src = line.Event.Message.Usage
	case line.Event != nil && line.Event.Usage != nil:
		src = line.Event.Usage
	case line.Usage != nil:
		src = line.Usage
	}

	usage := types.Usage{CostUSD: line.TotalCostUSD}
	if src != nil {
		usage.InputTokens = src.InputTokens
		usage.OutputTokens = src.OutputTokens
		usage.CacheReadTokens = src.CacheReadTokens
		usage.CacheCreationTokens = src.CacheCreationTokens
	}
	if usage.IsZero() {
		return nil
	}
	return &usage
}

func messageID(line *rawLine) string {
	if line.Message != nil && line.Message.ID != "" {
		return line.Message.ID
	}
	if line.Event != nil && line.Event.Message != nil && line.Event.Message.ID != "" {
		return line.Event.Message.ID
	}
	return line.MessageID
}

func role(line *rawLine) types.MessageRole {
	r := ""
	if line.Message != nil {
		r = line.Message.Role
	}
	if r == "" {
		r = line.Type
	}
	switch r {
	case "assistant", "stream_event", "result":
		return types.RoleAssistant
	case "user":
		return types.RoleUser
	default:
		return types.RoleSystem
	}
}

// blocks parses a content field that may be a single string or a list of
// typed blocks. A bare string becomes one text block.
func blocks(content json.RawMessage) []rawBlock {
	if len(content) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return []rawBlock{{Type: "text", Text: text}}
	}

	var list []rawBlock
	if err := json.Unmarshal(content, &list); err != nil {
		return nil
	}
	return list
}

// contentText flattens a content field to plain text, concatenating the text
// blocks of a block list.
func contentText(content json.RawMessage) string {
	var out string
	for _, block := range blocks(content) {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
