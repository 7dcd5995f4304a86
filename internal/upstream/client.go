package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"llmrelay/internal/core"
)

// Settings describes the configured upstream provider. The auth style is a
// small tagged variant so adding a provider means adding a variant, not
// editing the forwarding logic.
type Settings struct {
	BaseURL          string
	Kind             string
	AuthStyle        string
	APIKey           string
	AnthropicVersion string
}

// Client issues translated requests to the configured upstream.
type Client struct {
	settings   Settings
	httpClient *http.Client
	logger     core.Logger
}

// NewClient validates the upstream settings and creates a client.
func NewClient(settings Settings, httpClient *http.Client, logger core.Logger) (*Client, error) {
	settings.BaseURL = strings.TrimSuffix(settings.BaseURL, "/")
	if settings.BaseURL == "" {
		return nil, core.NewAppError(core.ErrInvalidConfig, "upstream base URL is required", nil)
	}

	switch settings.Kind {
	case core.UpstreamKindOpenAI, core.UpstreamKindAnthropic:
	default:
		return nil, core.NewAppError(core.ErrInvalidConfig,
			fmt.Sprintf("unknown upstream kind %q", settings.Kind), nil)
	}

	switch settings.AuthStyle {
	case core.AuthStyleBearer, core.AuthStyleAPIKey:
	case "":
		settings.AuthStyle = defaultAuthStyle(settings.Kind)
	default:
		return nil, core.NewAppError(core.ErrInvalidConfig,
			fmt.Sprintf("unknown upstream auth style %q", settings.AuthStyle), nil)
	}

	if settings.AnthropicVersion == "" {
		settings.AnthropicVersion = core.AnthropicVersionDefault
	}

	return &Client{
		settings:   settings,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func defaultAuthStyle(kind string) string {
	if kind == core.UpstreamKindAnthropic {
		return core.AuthStyleAPIKey
	}
	return core.AuthStyleBearer
}

// Kind returns the configured upstream provider kind.
func (c *Client) Kind() string {
	return c.settings.Kind
}

// chatEndpoint returns the chat path for the configured provider kind.
func (c *Client) chatEndpoint() string {
	if c.settings.Kind == core.UpstreamKindAnthropic {
		return c.settings.BaseURL + core.AnthropicChatEndpoint
	}
	return c.settings.BaseURL + core.OpenAIChatEndpoint
}

// SendChat posts the translated payload to the upstream chat endpoint.
// inboundCred is the credential the caller presented to the proxy; it is
// used only when no upstream API key is configured.
func (c *Client) SendChat(ctx context.Context, payload []byte, inboundCred string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatEndpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, core.NewAppError(core.ErrUpstreamTransport, "failed to create upstream request", err)
	}

	req.Header.Set(core.HeaderContentType, core.ContentTypeJSON)
	req.Header.Set(core.HeaderAccept, core.ContentTypeJSON)
	c.attachAuth(req, inboundCred)

	return c.do(req)
}

// modelsEndpoint returns the models path for the configured provider kind.
func (c *Client) modelsEndpoint() string {
	if c.settings.Kind == core.UpstreamKindAnthropic {
		return c.settings.BaseURL + core.AnthropicModelsEndpoint
	}
	return c.settings.BaseURL + core.OpenAIModelsEndpoint
}

// ListModels forwards a models listing to the upstream verbatim.
func (c *Client) ListModels(ctx context.Context, inboundCred string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelsEndpoint(), nil)
	if err != nil {
		return nil, core.NewAppError(core.ErrUpstreamTransport, "failed to create upstream request", err)
	}

	req.Header.Set(core.HeaderAccept, core.ContentTypeJSON)
	c.attachAuth(req, inboundCred)

	return c.do(req)
}

// attachAuth sets the provider's auth header. The configured key wins;
// otherwise the inbound credential is re-attached in the upstream's style.
// Credentials never reach logs or storage.
func (c *Client) attachAuth(req *http.Request, inboundCred string) {
	if c.settings.Kind == core.UpstreamKindAnthropic {
		req.Header.Set(core.HeaderAnthropicVersion, c.settings.AnthropicVersion)
	}

	cred := c.settings.APIKey
	if cred == "" {
		cred = inboundCred
	}
	if cred == "" {
		return
	}

	switch c.settings.AuthStyle {
	case core.AuthStyleAPIKey:
		req.Header.Set(core.HeaderXAPIKey, cred)
	default:
		req.Header.Set(core.HeaderAuthorization, core.AuthBearerPrefix+cred)
	}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	c.logger.Debug("Upstream response status: %d", resp.StatusCode)
	return resp, nil
}

// classifyTransportError separates timeouts from other transport failures
// so the HTTP boundary can map them to 504 vs 502.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewAppError(core.ErrUpstreamTimeout, "upstream request timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.NewAppError(core.ErrUpstreamTimeout, "upstream request timed out", err)
	}

	return core.NewAppError(core.ErrUpstreamTransport, "upstream request failed", err)
}
