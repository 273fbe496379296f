package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewaycore/llmcore/internal/provider"
)

func TestScriptRuleRoutesByModelPrefix(t *testing.T) {
	script, err := NewScriptRule(`
		function route(model_id)
			if string.sub(model_id, 1, 7) == "vision/" then
				return "cloud", string.sub(model_id, 8)
			end
			return nil
		end
	`)
	require.NoError(t, err)

	cloud := &stubProvider{kind: "cloud"}
	local := &stubProvider{kind: "local"}
	r := New([]provider.Provider{cloud, local}, RulesBased)
	r.SetLuaRule(script.AsLuaRule())

	p, rewritten, err := r.Select(context.Background(), "vision/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "cloud", p.ProviderType())
	assert.Equal(t, "gpt-4o", rewritten)
}

func TestScriptRuleFallsThroughWhenNil(t *testing.T) {
	script, err := NewScriptRule(`
		function route(model_id)
			return nil
		end
	`)
	require.NoError(t, err)

	local := &stubProvider{kind: "local"}
	r := New([]provider.Provider{local}, RulesBased)
	r.SetLuaRule(script.AsLuaRule())

	p, _, err := r.Select(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "local", p.ProviderType())
}

func TestNewScriptRuleRejectsSyntaxErrors(t *testing.T) {
	_, err := NewScriptRule(`this is not lua (`)
	assert.Error(t, err)
}
