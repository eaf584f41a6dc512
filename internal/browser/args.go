// internal/browser/args.go
package browser

import (
	"context"
	"fmt"
	"strconv"

	"github.com/chromedp/cdproto/runtime"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// marshalArgs converts Go arguments into CDP call arguments, in order. ElementRefs are
// passed by object id so the script receives the live node; everything else must be
// JSON serializable and is passed by value.
func (s *Session) marshalArgs(args []interface{}) ([]*runtime.CallArgument, error) {
	out := make([]*runtime.CallArgument, 0, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case *ElementRef:
			if err := s.checkRef(v); err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out = append(out, &runtime.CallArgument{ObjectID: v.id})
		case ElementRef:
			return nil, fmt.Errorf("argument %d: pass *ElementRef, not ElementRef", i)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("argument %d (%T) is not JSON serializable: %w", i, arg, err)
			}
			ca := &runtime.CallArgument{}
			ca.Value = b
			out = append(out, ca)
		}
	}
	return out, nil
}

// maxDecodeDepth bounds how far arrays holding DOM nodes are expanded element by element.
// Deeper (or cyclic) arrays are serialized by value.
const maxDecodeDepth = 8

// decodeResult turns a RemoteObject returned by a call into a Go value. DOM nodes become
// ElementRefs owned by s, including nodes inside arrays and NodeLists; other objects are
// serialized by value.
func (s *Session) decodeResult(ctx context.Context, obj *runtime.RemoteObject) (interface{}, error) {
	return s.decode(ctx, obj, 0)
}

func (s *Session) decode(ctx context.Context, obj *runtime.RemoteObject, depth int) (interface{}, error) {
	if obj == nil {
		return nil, nil
	}
	if obj.UnserializableValue != "" {
		return string(obj.UnserializableValue), nil
	}

	switch obj.Type {
	case runtime.TypeUndefined:
		return nil, nil
	case runtime.TypeObject:
		if obj.Subtype == runtime.SubtypeNull {
			return nil, nil
		}
		if obj.Subtype == runtime.SubtypeNode && obj.ObjectID != "" {
			return &ElementRef{id: obj.ObjectID, session: s, description: obj.Description}, nil
		}
		// NodeList and HTMLCollection report the array subtype too.
		if obj.Subtype == runtime.SubtypeArray && obj.ObjectID != "" && depth < maxDecodeDepth {
			return s.listOf(ctx, obj.ObjectID, depth)
		}
		if obj.ObjectID != "" {
			return s.valueOf(ctx, obj.ObjectID)
		}
	case runtime.TypeFunction, runtime.TypeSymbol:
		// Neither survives JSON serialization.
		return nil, nil
	}

	if len(obj.Value) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(obj.Value, &v); err != nil {
		return nil, fmt.Errorf("failed to decode script result: %w", err)
	}
	return v, nil
}

type listInfo struct {
	Length  int  `json:"length"`
	HasNode bool `json:"hasNode"`
}

// listOf decodes an array-like remote object. Lists without DOM nodes are serialized by
// value in one call; otherwise every entry is decoded on its own so nodes stay live.
func (s *Session) listOf(ctx context.Context, id runtime.RemoteObjectID, depth int) (interface{}, error) {
	res, exp, err := runtime.CallFunctionOn(listInfoJS).
		WithObjectID(id).
		WithReturnByValue(true).
		WithSilent(true).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect script result: %w", err)
	}
	if exp != nil {
		return nil, newScriptExecutionError(exp)
	}
	var info listInfo
	if res != nil && len(res.Value) > 0 {
		if err := json.Unmarshal(res.Value, &info); err != nil {
			return nil, fmt.Errorf("failed to decode script result: %w", err)
		}
	}
	if !info.HasNode {
		return s.valueOf(ctx, id)
	}

	out := make([]interface{}, 0, info.Length)
	for i := 0; i < info.Length; i++ {
		arg := &runtime.CallArgument{}
		arg.Value = []byte(strconv.Itoa(i))
		item, exp, err := runtime.CallFunctionOn(itemJS).
			WithObjectID(id).
			WithArguments([]*runtime.CallArgument{arg}).
			WithObjectGroup(s.objectGroup).
			WithSilent(true).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read script result entry %d: %w", i, err)
		}
		if exp != nil {
			return nil, newScriptExecutionError(exp)
		}
		v, err := s.decode(ctx, item, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// valueOf serializes a remote object by value.
func (s *Session) valueOf(ctx context.Context, id runtime.RemoteObjectID) (interface{}, error) {
	res, exp, err := runtime.CallFunctionOn(selfJS).
		WithObjectID(id).
		WithReturnByValue(true).
		WithSilent(true).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize script result: %w", err)
	}
	if exp != nil {
		return nil, newScriptExecutionError(exp)
	}
	if res == nil || len(res.Value) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(res.Value, &v); err != nil {
		return nil, fmt.Errorf("failed to decode script result: %w", err)
	}
	return v, nil
}

// newScriptExecutionError extracts the page-side description of a thrown value.
func newScriptExecutionError(exp *runtime.ExceptionDetails) *ScriptExecutionError {
	msg := exp.Text
	if exp.Exception != nil {
		switch {
		case exp.Exception.Description != "":
			msg = exp.Exception.Description
		case len(exp.Exception.Value) > 0:
			msg = string(exp.Exception.Value)
		}
	}
	return &ScriptExecutionError{Message: msg, Err: exp}
}
