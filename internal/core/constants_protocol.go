package core

// Default config constants
const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = "8080"
	DefaultGinMode         = "release"
	DefaultMappingFilePath = "config.json"
	DefaultUpstreamBaseURL = "https://api.openai.com/v1"
	DefaultRateLimit       = 120
	CORSMaxAge             = "86400"
)

// Content type and header constants
const (
	ContentTypeJSON         = "application/json"
	HeaderContentType       = "Content-Type"
	HeaderAuthorization     = "Authorization"
	HeaderAccept            = "Accept"
	HeaderXAPIKey           = "x-api-key"
	HeaderAnthropicVersion  = "anthropic-version"
	AnthropicVersionDefault = "2023-06-01"
	AuthBearerPrefix        = "Bearer "
)

// Role constants
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Upstream provider kind constants
const (
	UpstreamKindOpenAI    = "openai"
	UpstreamKindAnthropic = "anthropic"
)

// Upstream auth style constants
const (
	AuthStyleBearer = "bearer"
	AuthStyleAPIKey = "api-key"
)

// Upstream endpoint path constants
const (
	OpenAIChatEndpoint      = "/chat/completions"
	OpenAIModelsEndpoint    = "/models"
	AnthropicChatEndpoint   = "/messages"
	AnthropicModelsEndpoint = "/models"
)
