package llm

import (
	"errors"
	"fmt"
)

var (
	ErrMissingAPIKey = errors.New("missing API key for remote provider")
	ErrMissingModel  = errors.New("missing model for remote provider")
)

type ErrUnsupportedProvider struct {
	Provider string
}

func (e ErrUnsupportedProvider) Error() string {
	return fmt.Sprintf("unsupported LLM provider: %s", e.Provider)
}

// StatusError is returned when the model API answers with a non-success status.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("LLM request failed: %s", e.Status)
	}
	return fmt.Sprintf("LLM request failed: %s: %s", e.Status, e.Body)
}
