package types

// Usage is the token accounting side-channel extracted from a protocol line.
// A payload whose counters are all zero is treated as "no usage reported",
// not as a report of zero usage.
type Usage struct {
	InputTokens         int     `json:"inputTokens"`
	OutputTokens        int     `json:"outputTokens"`
	CacheReadTokens     int     `json:"cacheReadTokens"`
	CacheCreationTokens int     `json:"cacheCreationTokens"`
	CostUSD             float64 `json:"costUSD"`
}

// IsZero reports whether no counter carries a value.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheReadTokens == 0 && u.CacheCreationTokens == 0 && u.CostUSD == 0
}

// Conversation is the ordered, replayable view of one session's exchange.
//
// The Total* counters accumulate across the whole conversation and only grow.
// The CurrentContext* counters are replaced wholesale on every usage report:
// cache tokens are reported fresh each turn yet still occupy the context
// window, so adding them up would overstate occupancy.
type Conversation struct {
	Messages []*Message `json:"messages"`

	TotalInputTokens         int     `json:"totalInputTokens"`
	TotalOutputTokens        int     `json:"totalOutputTokens"`
	TotalCacheReadTokens     int     `json:"totalCacheReadTokens"`
	TotalCacheCreationTokens int     `json:"totalCacheCreationTokens"`
	TotalCostUSD             float64 `json:"totalCostUsd"`

	CurrentContextInputTokens         int `json:"currentContextInputTokens"`
	CurrentContextCacheReadTokens     int `json:"currentContextCacheReadTokens"`
	CurrentContextCacheCreationTokens int `json:"currentContextCacheCreationTokens"`

	CurrentError string `json:"currentError,omitempty"`
}

// LastMessage returns the most recent message, or nil for an empty
// conversation.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// ContextTokens returns the current context-window occupancy.
func (c *Conversation) ContextTokens() int {
	return c.CurrentContextInputTokens +
		c.CurrentContextCacheReadTokens +
		c.CurrentContextCacheCreationTokens
}
