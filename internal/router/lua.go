package router

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ScriptRule compiles a Lua script once and exposes it as a LuaRule. The
// script must define a global function `route(model_id)` returning either
// `provider_type, rewritten_model_id` or nil when it has no opinion — the
// gateway falls through to the static rule table / strategy in that case.
type ScriptRule struct {
	source string
}

// NewScriptRule compiles source just enough to catch syntax errors early;
// each call of the rule returned by AsLuaRule gets its own *lua.LState
// since gopher-lua states
// aren't safe for concurrent use.
func NewScriptRule(source string) (*ScriptRule, error) {
	state := lua.NewState()
	defer state.Close()
	if err := state.DoString(source); err != nil {
		return nil, fmt.Errorf("router: compiling routing script: %w", err)
	}
	return &ScriptRule{source: source}, nil
}

// AsLuaRule adapts ScriptRule to the LuaRule signature Router.SetLuaRule
// expects.
func (s *ScriptRule) AsLuaRule() LuaRule {
	return func(modelID string) (providerType, rewrittenModelID string, ok bool) {
		state := lua.NewState()
		defer state.Close()

		if err := state.DoString(s.source); err != nil {
			return "", "", false
		}

		fn := state.GetGlobal("route")
		if fn.Type() != lua.LTFunction {
			return "", "", false
		}

		if err := state.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}, lua.LString(modelID)); err != nil {
			return "", "", false
		}
		defer state.SetTop(0)

		rewritten := state.Get(-1)
		providerVal := state.Get(-2)

		if providerVal.Type() != lua.LTString {
			return "", "", false
		}

		providerType = providerVal.String()
		if rewritten.Type() == lua.LTString {
			rewrittenModelID = rewritten.String()
		} else {
			rewrittenModelID = modelID
		}
		return providerType, rewrittenModelID, true
	}
}
