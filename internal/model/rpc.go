package model

import (
	"errors"
	"fmt"
)

var ErrNotAnAction = errors.New("payload is not an action request")

type (
	Action struct {
		Method string
		Params []any
	}

	// RPCRequest is the decrypted payload of an action envelope.
	RPCRequest struct {
		Action  Action
		ChainID any
	}

	// ActionRequest is what the external action executor receives.
	ActionRequest struct {
		Method string
		Origin string
		Params []any
	}

	RPCResult struct {
		Value any
	}

	// RPCResponse carries either Result or ErrorMessage.
	RPCResponse struct {
		Result       *RPCResult
		ErrorMessage string
	}
)

// Value renders the request as a structured payload for the codec.
func (r *RPCRequest) Value() map[string]any {
	params := r.Action.Params
	if params == nil {
		params = []any{}
	}
	v := map[string]any{
		"action": map[string]any{
			"method": r.Action.Method,
			"params": params,
		},
	}
	if r.ChainID != nil {
		v["chainId"] = r.ChainID
	}
	return v
}

// RequestFromValue accepts {action: {method: string, params: [...]}}.
func RequestFromValue(v any) (*RPCRequest, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload is %T", ErrNotAnAction, v)
	}
	action, ok := m["action"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing action", ErrNotAnAction)
	}
	method, ok := action["method"].(string)
	if !ok || method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrNotAnAction)
	}
	params, ok := action["params"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: params must be a sequence", ErrNotAnAction)
	}

	return &RPCRequest{
		Action:  Action{Method: method, Params: params},
		ChainID: m["chainId"],
	}, nil
}

func (r *RPCResponse) Value() map[string]any {
	if r.Result == nil {
		return map[string]any{"errorMessage": r.ErrorMessage}
	}
	return map[string]any{"result": map[string]any{"value": r.Result.Value}}
}

// ResponseFromValue accepts {result: {value: ...}} or {errorMessage: string}.
func ResponseFromValue(v any) (*RPCResponse, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("response payload is %T", v)
	}
	if result, ok := m["result"].(map[string]any); ok {
		return &RPCResponse{Result: &RPCResult{Value: result["value"]}}, nil
	}
	if msg, ok := m["errorMessage"].(string); ok {
		return &RPCResponse{ErrorMessage: msg}, nil
	}
	return nil, errors.New("response payload has neither result nor errorMessage")
}
