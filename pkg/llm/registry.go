// Copyright 2026 Parley Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"fmt"

	"github.com/parleyhq/parley/pkg/config"
)

// NewProvider constructs a Provider from configuration.
func NewProvider(cfg *config.LLMConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config is required")
	}
	switch cfg.Provider {
	case config.LLMProviderOpenAI:
		return NewOpenAIProvider(cfg), nil
	case config.LLMProviderAnthropic:
		return NewAnthropicProvider(cfg), nil
	case config.LLMProviderOllama:
		return NewOllamaProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
