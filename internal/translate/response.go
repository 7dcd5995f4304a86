package translate

import (
	"fmt"
	"time"

	"llmrelay/internal/core"
	"llmrelay/internal/util"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// TranslateOpenAIResponse validates a 2xx body from an OpenAI-shaped
// upstream and returns it with a generated id filled in when the upstream
// omitted one. The body otherwise passes through untouched.
func (t *Translator) TranslateOpenAIResponse(body []byte) ([]byte, error) {
	var envelope map[string]any
	if err := sonic.Unmarshal(body, &envelope); err != nil {
		return nil, core.NewAppError(core.ErrUpstreamShape, "upstream response is not valid JSON", err)
	}

	choices, ok := envelope["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil, core.NewAppError(core.ErrUpstreamShape, "upstream response has no choices", nil)
	}

	firstChoice, ok := choices[0].(map[string]any)
	if !ok {
		return nil, core.NewAppError(core.ErrUpstreamShape, "upstream response choice is malformed", nil)
	}
	message, ok := firstChoice["message"].(map[string]any)
	if !ok {
		return nil, core.NewAppError(core.ErrUpstreamShape, "upstream response choice has no message", nil)
	}
	if content, present := message["content"]; !present || content == nil {
		return nil, core.NewAppError(core.ErrUpstreamShape, "upstream response message has no content", nil)
	}

	changed := false
	if id, _ := envelope["id"].(string); id == "" {
		envelope["id"] = core.ResponseIDPrefix + uuid.New().String()
		changed = true
	}
	if object, _ := envelope["object"].(string); object == "" {
		envelope["object"] = core.ChatCompletionObjectType
		changed = true
	}

	if !changed {
		return body, nil
	}

	translated, err := util.MarshalJSON(envelope)
	if err != nil {
		return nil, core.NewAppError(core.ErrUpstreamShape, "failed to re-serialize upstream response", err)
	}
	return translated, nil
}

// TranslateAnthropicResponse reshapes an Anthropic Messages response into
// the OpenAI chat completion envelope.
func (t *Translator) TranslateAnthropicResponse(body []byte, clientModel string) ([]byte, error) {
	var anthResp core.AnthropicMessagesResponse
	if err := sonic.Unmarshal(body, &anthResp); err != nil {
		return nil, core.NewAppError(core.ErrUpstreamShape, "upstream response is not valid JSON", err)
	}

	if anthResp.Type != "" && anthResp.Type != core.AnthropicTypeMessage {
		return nil, core.NewAppError(core.ErrUpstreamShape,
			fmt.Sprintf("unexpected upstream response type %q", anthResp.Type), nil)
	}

	content := JoinAnthropicTextBlocks(anthResp.Content)
	if content == "" {
		return nil, core.NewAppError(core.ErrUpstreamShape, "upstream response has no text content", nil)
	}

	usage := core.OpenAIUsage{
		PromptTokens:     anthResp.Usage.InputTokens,
		CompletionTokens: anthResp.Usage.OutputTokens,
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = util.EstimateTokenCount(content)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	response := core.ChatCompletionResponse{
		ID:      core.ResponseIDPrefix + uuid.New().String(),
		Object:  core.ChatCompletionObjectType,
		Created: time.Now().Unix(),
		Model:   clientModel,
		Choices: []core.ChatCompletionChoice{
			{
				Message: core.ChatMessage{
					Role:    core.RoleAssistant,
					Content: content,
				},
				Index:        0,
				FinishReason: MapAnthropicToOpenAIFinishReason(anthResp.StopReason),
			},
		},
		Usage: usage,
	}

	translated, err := util.MarshalJSON(response)
	if err != nil {
		return nil, core.NewAppError(core.ErrUpstreamShape, "failed to serialize translated response", err)
	}
	return translated, nil
}
