package experiments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cosilium-ai/cosilium/internal/prompts"
	"github.com/cosilium-ai/cosilium/internal/providers"
	"github.com/cosilium-ai/cosilium/internal/store"
)

type fakeAdapter struct {
	name string
	text string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Invoke(context.Context, string, string, providers.Params) (*providers.Result, error) {
	return &providers.Result{Text: f.text, TokensIn: 100, TokensOut: 50}, nil
}

func TestProviderExecutorScoresByConfidence(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(&fakeAdapter{name: "openai", text: `{"analysis": "plausible plan", "confidence": 0.82}`})
	resolver := prompts.NewResolver(store.NewMemory(), zap.NewNop())
	exec := NewProviderExecutor(reg, resolver, time.Second, zap.NewNop())

	res, err := exec.Execute(context.Background(), "analyst", "You are terse.", "should we expand")
	require.NoError(t, err)
	assert.InDelta(t, 0.82, res.Quality, 1e-9)
	assert.Greater(t, res.CostUSD, 0.0)
}

func TestProviderExecutorUnparsableScoresZero(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(&fakeAdapter{name: "openai", text: "free prose, no json"})
	resolver := prompts.NewResolver(store.NewMemory(), zap.NewNop())
	exec := NewProviderExecutor(reg, resolver, time.Second, zap.NewNop())

	res, err := exec.Execute(context.Background(), "analyst", "You are terse.", "q")
	require.NoError(t, err)
	assert.Zero(t, res.Quality)
}

func TestProviderExecutorMissingProvider(t *testing.T) {
	resolver := prompts.NewResolver(store.NewMemory(), zap.NewNop())
	exec := NewProviderExecutor(providers.NewRegistry(), resolver, time.Second, zap.NewNop())

	_, err := exec.Execute(context.Background(), "analyst", "x", "q")
	assert.Error(t, err)

	_, err = exec.Execute(context.Background(), "oracle", "x", "q")
	assert.Error(t, err)
}
