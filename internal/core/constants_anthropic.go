package core

// Anthropic response type constants
const (
	AnthropicTypeMessage = "message"
)

// Anthropic stop reason constants
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
)

// Anthropic content block type constants
const (
	ContentBlockTypeText    = "text"
	ContentBlockTypeToolUse = "tool_use"
)

// AnthropicDefaultMaxTokens is used when the client omitted max_tokens,
// which the Messages API requires.
const AnthropicDefaultMaxTokens = 4096
