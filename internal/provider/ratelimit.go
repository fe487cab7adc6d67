package provider

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimited wraps a provider with an adaptive tokens-per-minute budget.
// Each Stream call waits for capacity equal to its estimated prompt size.
// A 429 from the provider halves the budget; each accepted request grows it
// back toward the ceiling.
type RateLimited struct {
	next Provider

	mu           sync.Mutex
	limiter      *rate.Limiter
	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

var _ Provider = (*RateLimited)(nil)

// NewRateLimited returns next limited to tpm estimated tokens per minute.
func NewRateLimited(next Provider, tpm float64) *RateLimited {
	if tpm <= 0 {
		tpm = 60000
	}
	minTPM := tpm * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recovery := tpm * 0.05
	if recovery < 1 {
		recovery = 1
	}
	return &RateLimited{
		next:         next,
		limiter:      rate.NewLimiter(rate.Limit(tpm/60.0), int(tpm)),
		currentTPM:   tpm,
		minTPM:       minTPM,
		maxTPM:       tpm,
		recoveryRate: recovery,
	}
}

func (p *RateLimited) Stream(ctx context.Context, req Request) (Stream, error) {
	if err := p.limiter.WaitN(ctx, p.cost(req)); err != nil {
		return nil, err
	}
	s, err := p.next.Stream(ctx, req)
	p.observe(err)
	return s, err
}

// TPM returns the current budget.
func (p *RateLimited) TPM() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentTPM
}

func (p *RateLimited) cost(req Request) int {
	n := estimateTokens(req)
	if n < 1 {
		n = 1
	}
	if burst := p.limiter.Burst(); n > burst {
		n = burst
	}
	return n
}

func (p *RateLimited) observe(err error) {
	var perr *Error
	switch {
	case err == nil:
		p.adjust(p.recoveryRate)
	case errors.As(err, &perr) && perr.StatusCode == http.StatusTooManyRequests:
		p.adjust(-p.TPM() / 2)
	}
}

func (p *RateLimited) adjust(delta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tpm := p.currentTPM + delta
	if tpm < p.minTPM {
		tpm = p.minTPM
	}
	if tpm > p.maxTPM {
		tpm = p.maxTPM
	}
	if tpm == p.currentTPM {
		return
	}
	p.currentTPM = tpm
	p.limiter.SetLimit(rate.Limit(tpm / 60.0))
	p.limiter.SetBurst(int(tpm))
}
