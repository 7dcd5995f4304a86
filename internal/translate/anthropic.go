package translate

import (
	"strings"

	"llmrelay/internal/core"
	"llmrelay/internal/util"
)

// OpenAIToAnthropicMessages converts OpenAI chat messages into the Anthropic
// Messages schema. System messages lift into the separate system field; the
// Messages API rejects a system role in the message list.
func OpenAIToAnthropicMessages(messages []core.ChatMessage) (string, []core.AnthropicMessage) {
	var systemParts []string
	var anthMessages []core.AnthropicMessage

	for _, msg := range messages {
		content := util.ExtractTextContent(msg.Content)

		switch msg.Role {
		case core.RoleSystem:
			if content != "" {
				systemParts = append(systemParts, content)
			}
		case core.RoleUser, core.RoleAssistant:
			anthMessages = append(anthMessages, core.AnthropicMessage{
				Role:    msg.Role,
				Content: content,
			})
		case core.RoleTool:
			fallthrough
		default:
			// Tool and unknown roles fold into user turns so no inbound
			// content is silently dropped.
			anthMessages = append(anthMessages, core.AnthropicMessage{
				Role:    core.RoleUser,
				Content: content,
			})
		}
	}

	return strings.Join(systemParts, "\n\n"), anthMessages
}

// MapAnthropicToOpenAIFinishReason maps an Anthropic stop reason to the
// OpenAI finish_reason vocabulary.
func MapAnthropicToOpenAIFinishReason(stopReason string) string {
	switch stopReason {
	case core.StopReasonToolUse:
		return core.FinishReasonToolCalls
	case core.StopReasonMaxTokens:
		return core.FinishReasonLength
	case core.StopReasonEndTurn:
		return core.FinishReasonStop
	default:
		return core.FinishReasonStop
	}
}

// JoinAnthropicTextBlocks concatenates the text content blocks of an
// Anthropic response into a single assistant string.
func JoinAnthropicTextBlocks(blocks []core.AnthropicContentBlock) string {
	var parts []string
	for _, block := range blocks {
		if block.Type == core.ContentBlockTypeText && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "")
}
