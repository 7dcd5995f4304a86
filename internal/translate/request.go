package translate

import (
	"llmrelay/internal/cache"
	"llmrelay/internal/core"
	"llmrelay/internal/util"

	"github.com/bytedance/sonic"
)

// Translator converts between the OpenAI-compatible client protocol and the
// configured upstream provider's wire format.
type Translator struct {
	cache   core.Cache
	metrics core.MetricsCollector
	logger  core.Logger
}

// NewTranslator creates a translator with injected cache, metrics and logger.
func NewTranslator(c core.Cache, metrics core.MetricsCollector, logger core.Logger) *Translator {
	return &Translator{
		cache:   c,
		metrics: metrics,
		logger:  logger,
	}
}

// ParseChatRequest decodes and validates an inbound chat completion body.
// It returns the typed request plus the raw field map, so an OpenAI-shaped
// upstream payload can be rebuilt without dropping fields the typed struct
// does not model.
func ParseChatRequest(raw []byte) (*core.ChatCompletionRequest, map[string]any, error) {
	var rawFields map[string]any
	if err := sonic.Unmarshal(raw, &rawFields); err != nil {
		return nil, nil, core.NewAppError(core.ErrMalformedRequest, "invalid request body", err)
	}

	var request core.ChatCompletionRequest
	if err := sonic.Unmarshal(raw, &request); err != nil {
		return nil, nil, core.NewAppError(core.ErrMalformedRequest, "invalid request body", err)
	}

	if request.Model == "" {
		return nil, nil, core.NewAppError(core.ErrMalformedRequest, "missing required field: model", nil)
	}
	if len(request.Messages) == 0 {
		return nil, nil, core.NewAppError(core.ErrMalformedRequest, "missing required field: messages", nil)
	}
	for i := range request.Messages {
		if request.Messages[i].Role == "" {
			return nil, nil, core.NewAppError(core.ErrMalformedRequest, "message missing role", nil)
		}
	}
	if request.Stream {
		return nil, nil, core.NewAppError(core.ErrMalformedRequest, "streaming is not supported", nil)
	}

	return &request, rawFields, nil
}

// BuildOpenAIPayload re-serializes the raw request with only the model
// rewritten, keeping every other inbound field intact.
func (t *Translator) BuildOpenAIPayload(rawFields map[string]any, upstreamModel string) ([]byte, error) {
	rawFields["model"] = upstreamModel

	payloadBytes, err := util.MarshalJSON(rawFields)
	if err != nil {
		return nil, core.NewAppError(core.ErrMalformedRequest, "failed to marshal upstream request", err)
	}

	t.logger.Debug("OpenAI upstream payload: model=%s, size=%d", upstreamModel, len(payloadBytes))
	return payloadBytes, nil
}

// BuildAnthropicPayload projects the typed request into the Anthropic
// Messages schema. Converted message slices are cached by content hash.
func (t *Translator) BuildAnthropicPayload(request *core.ChatCompletionRequest, upstreamModel string) ([]byte, error) {
	system, messages := t.convertMessages(request.Messages)

	maxTokens := core.AnthropicDefaultMaxTokens
	if request.MaxTokens != nil && *request.MaxTokens > 0 {
		maxTokens = *request.MaxTokens
	}

	payload := core.AnthropicMessagesRequest{
		Model:       upstreamModel,
		MaxTokens:   maxTokens,
		Messages:    messages,
		System:      system,
		Temperature: request.Temperature,
		TopP:        request.TopP,
	}

	if stops := stopSequences(request.Stop); len(stops) > 0 {
		payload.StopSequences = stops
	}

	payloadBytes, err := util.MarshalJSON(payload)
	if err != nil {
		return nil, core.NewAppError(core.ErrMalformedRequest, "failed to marshal upstream request", err)
	}

	t.logger.Debug("Anthropic upstream payload: model=%s, messages=%d, size=%d",
		upstreamModel, len(messages), len(payloadBytes))
	return payloadBytes, nil
}

// convertedMessages is the cached result of an OpenAI-to-Anthropic
// message conversion.
type convertedMessages struct {
	System   string
	Messages []core.AnthropicMessage
}

func (t *Translator) convertMessages(messages []core.ChatMessage) (string, []core.AnthropicMessage) {
	cacheKey := cache.GenerateMessagesCacheKey(messages)

	if cachedAny, found := t.cache.Get(cacheKey); found {
		if converted, ok := cachedAny.(convertedMessages); ok {
			t.metrics.RecordCacheHit()
			return converted.System, converted.Messages
		}
		t.logger.Warn("Cache format mismatch for messages (key: %s), regenerating", cache.TruncateCacheKey(cacheKey, 16))
	}

	t.metrics.RecordCacheMiss()
	system, converted := OpenAIToAnthropicMessages(messages)

	t.cache.Set(cacheKey, convertedMessages{System: system, Messages: converted}, core.MessageConversionCacheTTL)
	return system, converted
}

// stopSequences normalizes the OpenAI stop field (string or array) into
// the Anthropic stop_sequences list.
func stopSequences(stop any) []string {
	switch v := stop.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		var stops []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				stops = append(stops, s)
			}
		}
		return stops
	}
	return nil
}
