package mapping

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"llmrelay/internal/core"

	"github.com/bytedance/sonic"
)

// Store holds the client-to-upstream model name mapping. It is loaded once
// at startup and read-only afterwards, so concurrent reads need no locking.
type Store struct {
	models map[string]string
}

// Load reads the mapping file at path. A missing file yields an empty store
// (pure pass-through); a present but unparseable file is a configuration error.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path from config, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return &Store{models: map[string]string{}}, nil
		}
		return nil, core.NewAppError(core.ErrConfigLoadFailed,
			fmt.Sprintf("failed to read %s", path), err)
	}

	models, err := parseMapping(data)
	if err != nil {
		return nil, core.NewAppError(core.ErrConfigLoadFailed,
			fmt.Sprintf("failed to parse %s", path), err)
	}

	return &Store{models: models}, nil
}

// parseMapping accepts the flat object form {"client":"upstream"}, the
// wrapped form {"models":{...}}, and the legacy array form ["name", ...]
// meaning identity mapping. An empty file means an empty mapping.
func parseMapping(data []byte) (map[string]string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]string{}, nil
	}

	var models map[string]string
	if err := sonic.Unmarshal(data, &models); err == nil {
		if models == nil {
			models = map[string]string{}
		}
		return models, nil
	}

	var wrapped struct {
		Models map[string]string `json:"models"`
	}
	if err := sonic.Unmarshal(data, &wrapped); err == nil && wrapped.Models != nil {
		return wrapped.Models, nil
	}

	var modelIDs []string
	if err := sonic.Unmarshal(data, &modelIDs); err != nil {
		return nil, err
	}
	models = make(map[string]string, len(modelIDs))
	for _, modelID := range modelIDs {
		models[modelID] = modelID
	}
	return models, nil
}

// Resolve returns the mapped upstream model name, or the input unchanged
// when no mapping exists.
func (s *Store) Resolve(clientModel string) string {
	if upstream, exists := s.models[clientModel]; exists {
		return upstream
	}
	return clientModel
}

// Len returns the number of configured mappings.
func (s *Store) Len() int {
	return len(s.models)
}

// Models returns the client-facing model names as an OpenAI model list.
func (s *Store) Models() core.ModelList {
	now := time.Now().Unix()
	modelKeys := make([]string, 0, len(s.models))
	for modelKey := range s.models {
		modelKeys = append(modelKeys, modelKey)
	}
	sort.Strings(modelKeys)

	list := core.ModelList{Object: core.ModelListObjectType}
	for _, modelKey := range modelKeys {
		list.Data = append(list.Data, core.ModelInfo{
			ID:      modelKey,
			Object:  core.ModelObjectType,
			Created: now,
			OwnedBy: core.ModelOwner,
		})
	}
	return list
}
