package server

import (
	"io"
	"net/http"
	"time"

	"llmrelay/internal/core"
	"llmrelay/internal/translate"

	"github.com/gin-gonic/gin"
)

const modelsListCacheKey = "models:list"

func (s *Server) chatCompletions(c *gin.Context) {
	startTime := time.Now()
	defer trackPerformanceWithMetrics(s.metricsService, startTime)()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		recordRequestResultWithMetrics(s.metricsService, false, startTime, "", "")
		respondWithOpenAIError(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	request, rawFields, err := translate.ParseChatRequest(body)
	if err != nil {
		recordRequestResultWithMetrics(s.metricsService, false, startTime, "", "")
		respondWithAppError(c, err)
		return
	}

	upstreamModel := s.mappingStore.Resolve(request.Model)

	var payload []byte
	switch s.upstreamClient.Kind() {
	case core.UpstreamKindAnthropic:
		payload, err = s.translator.BuildAnthropicPayload(request, upstreamModel)
	default:
		payload, err = s.translator.BuildOpenAIPayload(rawFields, upstreamModel)
	}
	if err != nil {
		recordRequestResultWithMetrics(s.metricsService, false, startTime, request.Model, "")
		respondWithAppError(c, err)
		return
	}

	resp, err := s.upstreamClient.SendChat(c.Request.Context(), payload, extractInboundCredential(c))
	if err != nil {
		s.config.Logger.Error("Upstream request failed: %v", err)
		recordRequestResultWithMetrics(s.metricsService, false, startTime, request.Model, s.upstreamClient.Kind())
		respondWithAppError(c, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, core.MaxResponseBodySize))
	if err != nil {
		recordRequestResultWithMetrics(s.metricsService, false, startTime, request.Model, s.upstreamClient.Kind())
		respondWithAppError(c, core.NewAppError(core.ErrUpstreamTransport, "failed to read upstream response", err))
		return
	}

	// Non-2xx statuses and error bodies pass through verbatim.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.config.Logger.Warn("Upstream returned status %d for model %s", resp.StatusCode, upstreamModel)
		recordRequestResultWithMetrics(s.metricsService, false, startTime, request.Model, s.upstreamClient.Kind())
		c.Data(resp.StatusCode, upstreamContentType(resp), respBody)
		return
	}

	translated, err := s.translateChatResponse(respBody, request.Model)
	if err != nil {
		s.config.Logger.Error("Failed to translate upstream response: %v", err)
		recordRequestResultWithMetrics(s.metricsService, false, startTime, request.Model, s.upstreamClient.Kind())
		respondWithShapeDiagnostic(c, err, respBody)
		return
	}

	recordRequestResultWithMetrics(s.metricsService, true, startTime, request.Model, s.upstreamClient.Kind())
	c.Data(http.StatusOK, core.ContentTypeJSON, translated)
}

func (s *Server) translateChatResponse(respBody []byte, clientModel string) ([]byte, error) {
	if s.upstreamClient.Kind() == core.UpstreamKindAnthropic {
		return s.translator.TranslateAnthropicResponse(respBody, clientModel)
	}
	return s.translator.TranslateOpenAIResponse(respBody)
}

func (s *Server) listModels(c *gin.Context) {
	if cachedAny, found := s.cache.Get(modelsListCacheKey); found {
		if cached, ok := cachedAny.([]byte); ok {
			c.Data(http.StatusOK, core.ContentTypeJSON, cached)
			return
		}
	}

	resp, err := s.upstreamClient.ListModels(c.Request.Context(), extractInboundCredential(c))
	if err != nil {
		s.config.Logger.Error("Upstream models request failed: %v", err)
		// The mapped client-facing names are still answerable locally.
		if s.mappingStore.Len() > 0 {
			c.JSON(http.StatusOK, s.mappingStore.Models())
			return
		}
		respondWithAppError(c, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, core.MaxResponseBodySize))
	if err != nil {
		respondWithAppError(c, core.NewAppError(core.ErrUpstreamTransport, "failed to read upstream response", err))
		return
	}

	if resp.StatusCode == http.StatusOK {
		s.cache.Set(modelsListCacheKey, respBody, core.ModelsListCacheTTL)
	}

	c.Data(resp.StatusCode, upstreamContentType(resp), respBody)
}
