package llms

import (
	"fmt"

	"github.com/quorumhq/quorum/pkg/registry"
)

// Registry holds named gateway instances so multiple agents can share
// or mix providers.
type Registry struct {
	*registry.BaseRegistry[LLM]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[LLM](),
	}
}

func (r *Registry) RegisterLLM(name string, provider LLM) error {
	if provider == nil {
		return fmt.Errorf("llm provider %q is nil", name)
	}
	return r.Register(name, provider)
}

func (r *Registry) GetLLM(name string) (LLM, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("llm provider not found: %s", name)
	}
	return provider, nil
}
