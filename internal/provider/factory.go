package provider

import (
	"context"

	"goa.design/clue/log"
)

// ModeMock selects the mock provider.
const ModeMock = "MOCK"

// New returns the mock provider when mode is MOCK and an OpenAI-compatible
// client otherwise.
func New(ctx context.Context, mode, baseURL, apiKey string) Provider {
	if mode == ModeMock {
		log.Print(ctx, log.KV{K: "msg", V: "GOGO_MODE=MOCK detected, using mock provider"})
		return NewMock()
	}
	return NewOpenAI(baseURL, apiKey)
}
