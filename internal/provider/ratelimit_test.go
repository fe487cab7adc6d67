package provider

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusProvider struct {
	err error
}

func (p *statusProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &sliceStream{ctx: ctx}, nil
}

func TestRateLimitedBacksOffOn429(t *testing.T) {
	next := &statusProvider{err: &Error{Message: "slow down", StatusCode: http.StatusTooManyRequests}}
	p := NewRateLimited(next, 1000)

	_, err := p.Stream(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 500.0, p.TPM())

	next.err = nil
	_, err = p.Stream(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 550.0, p.TPM())
}

func TestRateLimitedIgnoresOtherErrors(t *testing.T) {
	next := &statusProvider{err: &Error{Message: "bad request", StatusCode: http.StatusBadRequest}}
	p := NewRateLimited(next, 1000)

	_, err := p.Stream(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 1000.0, p.TPM())
}

func TestRateLimitedHonorsContext(t *testing.T) {
	p := NewRateLimited(&statusProvider{}, 60)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Stream(ctx, Request{})
	assert.Error(t, err)
}
