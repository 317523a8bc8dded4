package main

/******************************************************************************
 *
 *  Description :
 *
 *    Topic value types and change application. Each declared topic type
 *    carries a default value and a table of change kinds; a change kind
 *    validates the payload against the current value and produces the new
 *    value. A change is never partially applied: any error leaves the
 *    value untouched.
 *
 *****************************************************************************/

import (
	"errors"
	"fmt"
	"reflect"
)

// errInvalidPayload marks a structurally invalid or type-inconsistent change.
var errInvalidPayload = errors.New("invalid payload")

// applyFunc validates ch against old and returns the replacement value.
// It must not modify old; commit-side bookkeeping fields of ch (such as
// OldValue) may be filled in.
type applyFunc func(old any, ch *MsgChange) (any, error)

// topicType is a declared topic value kind: its name on the wire, the value
// a fresh topic starts with, and the change kinds it accepts.
type topicType struct {
	name     string
	defValue func() any
	kinds    map[string]applyFunc
}

var topicTypes = map[string]*topicType{
	"generic": {
		name:     "generic",
		defValue: func() any { return nil },
		kinds:    map[string]applyFunc{"set": applySetAny},
	},
	"string": {
		name:     "string",
		defValue: func() any { return "" },
		kinds:    map[string]applyFunc{"set": applySetString},
	},
	"int": {
		name:     "int",
		defValue: func() any { return int64(0) },
		kinds:    map[string]applyFunc{"set": applySetInt, "add": applyAddInt},
	},
	"float": {
		name:     "float",
		defValue: func() any { return float64(0) },
		kinds:    map[string]applyFunc{"set": applySetFloat, "add": applyAddFloat},
	},
	"bool": {
		name:     "bool",
		defValue: func() any { return false },
		kinds:    map[string]applyFunc{"set": applySetBool},
	},
	"set": {
		name:     "set",
		defValue: func() any { return []any{} },
		kinds: map[string]applyFunc{
			"set":    applySetArray,
			"append": applySetTypeAppend,
			"remove": applySetTypeRemove,
		},
	},
	"list": {
		name:     "list",
		defValue: func() any { return []any{} },
		kinds: map[string]applyFunc{
			"set":    applySetArray,
			"insert": applyListInsert,
			"pop":    applyListPop,
		},
	},
	"dict": {
		name:     "dict",
		defValue: func() any { return map[string]any{} },
		kinds: map[string]applyFunc{
			"set":          applySetObject,
			"add":          applyDictAdd,
			"remove":       applyDictRemove,
			"change_value": applyDictChangeValue,
		},
	},
	"event": {
		name:     "event",
		defValue: func() any { return nil },
		kinds:    map[string]applyFunc{"emit": applyEventEmit},
	},
}

// apply runs one change kind against the current value.
func (tt *topicType) apply(old any, ch *MsgChange) (any, error) {
	fn := tt.kinds[ch.Kind]
	if fn == nil {
		return nil, fmt.Errorf("%w: change kind %q not defined for %s topics",
			errInvalidPayload, ch.Kind, tt.name)
	}
	return fn(old, ch)
}

// inverse derives the change undoing ch without applying it. Returns false
// for kinds whose inverse needs apply-time information (the caller then
// falls back to a corrective set of the authoritative value).
func (tt *topicType) inverse(ch *MsgChange) (*MsgChange, bool) {
	switch ch.Kind {
	case "set":
		if ch.OldValue == nil {
			return nil, false
		}
		return &MsgChange{Kind: "set", Value: ch.OldValue, OldValue: ch.Value}, true
	case "add":
		switch tt.name {
		case "int":
			if d, ok := asInt64(ch.Value); ok {
				return &MsgChange{Kind: "add", Value: -d}, true
			}
		case "float":
			if d, ok := asFloat64(ch.Value); ok {
				return &MsgChange{Kind: "add", Value: -d}, true
			}
		}
		return nil, false
	case "append":
		return &MsgChange{Kind: "remove", Item: ch.Item}, true
	case "remove":
		return &MsgChange{Kind: "append", Item: ch.Item}, true
	case "insert":
		if ch.Position == nil {
			return nil, false
		}
		pos := *ch.Position
		return &MsgChange{Kind: "pop", Position: &pos}, true
	case "change_value":
		if ch.OldValue == nil {
			return nil, false
		}
		return &MsgChange{Kind: "change_value", Key: ch.Key,
			Value: ch.OldValue, OldValue: ch.Value}, true
	}
	// pop, dict remove, emit: the undo needs the removed item or makes
	// no sense at all.
	return nil, false
}

func applySetAny(old any, ch *MsgChange) (any, error) {
	ch.OldValue = cloneValue(old)
	return cloneValue(ch.Value), nil
}

func applySetString(old any, ch *MsgChange) (any, error) {
	s, ok := ch.Value.(string)
	if !ok {
		return nil, fmt.Errorf("%w: string topic requires a string value, got %T",
			errInvalidPayload, ch.Value)
	}
	ch.OldValue = old
	return s, nil
}

func applySetInt(old any, ch *MsgChange) (any, error) {
	n, ok := asInt64(ch.Value)
	if !ok {
		return nil, fmt.Errorf("%w: int topic requires an integer value",
			errInvalidPayload)
	}
	ch.OldValue = old
	return n, nil
}

func applyAddInt(old any, ch *MsgChange) (any, error) {
	cur, _ := asInt64(old)
	d, ok := asInt64(ch.Value)
	if !ok {
		return nil, fmt.Errorf("%w: add requires an integer delta", errInvalidPayload)
	}
	return cur + d, nil
}

func applySetFloat(old any, ch *MsgChange) (any, error) {
	f, ok := asFloat64(ch.Value)
	if !ok {
		return nil, fmt.Errorf("%w: float topic requires a numeric value",
			errInvalidPayload)
	}
	ch.OldValue = old
	return f, nil
}

func applyAddFloat(old any, ch *MsgChange) (any, error) {
	cur, _ := asFloat64(old)
	d, ok := asFloat64(ch.Value)
	if !ok {
		return nil, fmt.Errorf("%w: add requires a numeric delta", errInvalidPayload)
	}
	return cur + d, nil
}

func applySetBool(old any, ch *MsgChange) (any, error) {
	b, ok := ch.Value.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: bool topic requires a boolean value",
			errInvalidPayload)
	}
	ch.OldValue = old
	return b, nil
}

func applySetArray(old any, ch *MsgChange) (any, error) {
	arr, ok := asArray(ch.Value)
	if !ok {
		return nil, fmt.Errorf("%w: value must be an array, got %T",
			errInvalidPayload, ch.Value)
	}
	ch.OldValue = cloneValue(old)
	return cloneValue(arr), nil
}

func applySetObject(old any, ch *MsgChange) (any, error) {
	obj, ok := ch.Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: value must be an object, got %T",
			errInvalidPayload, ch.Value)
	}
	ch.OldValue = cloneValue(old)
	return cloneValue(obj), nil
}

func applySetTypeAppend(old any, ch *MsgChange) (any, error) {
	cur, _ := asArray(old)
	if containsValue(cur, ch.Item) {
		return nil, fmt.Errorf("%w: appending %v would create a duplicate",
			errInvalidPayload, ch.Item)
	}
	next := make([]any, len(cur), len(cur)+1)
	copy(next, cur)
	return append(next, cloneValue(ch.Item)), nil
}

func applySetTypeRemove(old any, ch *MsgChange) (any, error) {
	cur, _ := asArray(old)
	for i, v := range cur {
		if reflect.DeepEqual(v, ch.Item) {
			next := make([]any, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			return append(next, cur[i+1:]...), nil
		}
	}
	return nil, fmt.Errorf("%w: cannot remove %v: no such element",
		errInvalidPayload, ch.Item)
}

func applyListInsert(old any, ch *MsgChange) (any, error) {
	cur, _ := asArray(old)
	if ch.Position == nil {
		return nil, fmt.Errorf("%w: insert requires a position", errInvalidPayload)
	}
	pos := *ch.Position
	if pos < 0 {
		// Counted from the end; -1 inserts after the last element, i.e.
		// appends.
		pos = len(cur) + pos + 1
	}
	// Out-of-range positions clamp to the nearest end rather than error.
	if pos < 0 {
		pos = 0
	} else if pos > len(cur) {
		pos = len(cur)
	}
	next := make([]any, 0, len(cur)+1)
	next = append(next, cur[:pos]...)
	next = append(next, cloneValue(ch.Item))
	return append(next, cur[pos:]...), nil
}

func applyListPop(old any, ch *MsgChange) (any, error) {
	cur, _ := asArray(old)
	if ch.Position == nil {
		return nil, fmt.Errorf("%w: pop requires a position", errInvalidPayload)
	}
	pos := *ch.Position
	if pos < 0 {
		pos = len(cur) + pos
	}
	if pos < 0 || pos >= len(cur) {
		return nil, fmt.Errorf("%w: pop position %d out of range of %d elements",
			errInvalidPayload, *ch.Position, len(cur))
	}
	// Remember the removed item so subscribers can invert the change.
	ch.Item = cur[pos]
	next := make([]any, 0, len(cur)-1)
	next = append(next, cur[:pos]...)
	return append(next, cur[pos+1:]...), nil
}

func applyDictAdd(old any, ch *MsgChange) (any, error) {
	cur, _ := old.(map[string]any)
	if _, exists := cur[ch.Key]; exists {
		return nil, fmt.Errorf("%w: key %q already present", errInvalidPayload, ch.Key)
	}
	next := make(map[string]any, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[ch.Key] = cloneValue(ch.Value)
	return next, nil
}

func applyDictRemove(old any, ch *MsgChange) (any, error) {
	cur, _ := old.(map[string]any)
	removed, exists := cur[ch.Key]
	if !exists {
		return nil, fmt.Errorf("%w: key %q not present", errInvalidPayload, ch.Key)
	}
	ch.Value = removed
	next := make(map[string]any, len(cur)-1)
	for k, v := range cur {
		if k != ch.Key {
			next[k] = v
		}
	}
	return next, nil
}

func applyDictChangeValue(old any, ch *MsgChange) (any, error) {
	cur, _ := old.(map[string]any)
	prev, exists := cur[ch.Key]
	if !exists {
		return nil, fmt.Errorf("%w: key %q not present", errInvalidPayload, ch.Key)
	}
	ch.OldValue = prev
	next := make(map[string]any, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	next[ch.Key] = cloneValue(ch.Value)
	return next, nil
}

func applyEventEmit(old any, _ *MsgChange) (any, error) {
	// Event topics hold no state; the change itself is the payload.
	return old, nil
}
