package llm

import (
	"context"
	"errors"
)

// LocalProvider is selected by LLM_MODE=local; no local model backend exists yet.
type LocalProvider struct{}

func (LocalProvider) Generate(ctx context.Context, req Request) (Reply, error) {
	return Reply{}, errors.New("local LLM mode is not implemented")
}
