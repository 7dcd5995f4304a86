package core

// OpenAI object type constants
const (
	ModelObjectType          = "model"
	ModelOwner               = "llmrelay"
	ChatCompletionObjectType = "chat.completion"
	ModelListObjectType      = "list"
)

// ID prefix constants
const (
	ResponseIDPrefix = "chatcmpl-"
)

// OpenAI finish reason constants
const (
	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool_calls"
	FinishReasonLength    = "length"
)
