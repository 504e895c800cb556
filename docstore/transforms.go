package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// transform is a field value computed from the value currently stored.
type transform interface {
	apply(cur any, exists bool) (next any, keep bool, err error)
}

type increment struct{ n float64 }

// Increment adds n to a numeric field. Missing or non-numeric fields start at 0.
func Increment(n int64) any { return increment{n: float64(n)} }

func (t increment) apply(cur any, exists bool) (any, bool, error) {
	if f, ok := cur.(float64); ok && exists {
		return f + t.n, true, nil
	}
	return t.n, true, nil
}

type arrayUnion struct{ vals []any }

// ArrayUnion appends each value not already present in an array field.
func ArrayUnion(vals ...any) any { return arrayUnion{vals: vals} }

func (t arrayUnion) apply(cur any, _ bool) (any, bool, error) {
	arr, _ := cur.([]any)
	out := append([]any{}, arr...)
	for _, v := range t.vals {
		nv, err := normalize(v)
		if err != nil {
			return nil, false, err
		}
		if !containsValue(out, nv) {
			out = append(out, nv)
		}
	}
	return out, true, nil
}

type arrayRemove struct{ vals []any }

// ArrayRemove drops every element equal to one of vals from an array field.
func ArrayRemove(vals ...any) any { return arrayRemove{vals: vals} }

func (t arrayRemove) apply(cur any, _ bool) (any, bool, error) {
	arr, _ := cur.([]any)
	drop := make([]any, 0, len(t.vals))
	for _, v := range t.vals {
		nv, err := normalize(v)
		if err != nil {
			return nil, false, err
		}
		drop = append(drop, nv)
	}
	out := make([]any, 0, len(arr))
	for _, el := range arr {
		if !containsValue(drop, el) {
			out = append(out, el)
		}
	}
	return out, true, nil
}

type deleteField struct{}

// Delete removes the field.
func Delete() any { return deleteField{} }

func (deleteField) apply(any, bool) (any, bool, error) { return nil, false, nil }

func containsValue(arr []any, v any) bool {
	for _, el := range arr {
		if reflect.DeepEqual(el, v) {
			return true
		}
	}
	return false
}

// normalize turns an arbitrary Go value into its generic JSON form so stored
// documents only ever hold maps, slices, strings, float64, bool and nil.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode field value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("docstore: decode field value: %w", err)
	}
	return out, nil
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case Doc:
		return map[string]any(m), true
	case map[string]any:
		return m, true
	}
	return nil, false
}

// mergeInto deep-merges src into dst, applying transforms against dst.
func mergeInto(dst map[string]any, src map[string]any) error {
	for k, v := range src {
		if t, ok := v.(transform); ok {
			cur, exists := dst[k]
			next, keep, err := t.apply(cur, exists)
			if err != nil {
				return err
			}
			if keep {
				dst[k] = next
			} else {
				delete(dst, k)
			}
			continue
		}
		obj, ok := asObject(v)
		if !ok {
			nv, err := normalize(v)
			if err != nil {
				return err
			}
			if obj, ok = nv.(map[string]any); !ok {
				dst[k] = nv
				continue
			}
		}
		child, ok := dst[k].(map[string]any)
		if !ok {
			child = map[string]any{}
			dst[k] = child
		}
		if err := mergeInto(child, obj); err != nil {
			return err
		}
	}
	return nil
}

// setField replaces the field at parts, creating intermediate objects.
func setField(doc map[string]any, parts []string, v any) error {
	for _, p := range parts[:len(parts)-1] {
		child, ok := doc[p].(map[string]any)
		if !ok {
			child = map[string]any{}
			doc[p] = child
		}
		doc = child
	}
	leaf := parts[len(parts)-1]
	if t, ok := v.(transform); ok {
		cur, exists := doc[leaf]
		next, keep, err := t.apply(cur, exists)
		if err != nil {
			return err
		}
		if keep {
			doc[leaf] = next
		} else {
			delete(doc, leaf)
		}
		return nil
	}
	if obj, ok := asObject(v); ok {
		fresh := map[string]any{}
		if err := mergeInto(fresh, obj); err != nil {
			return err
		}
		doc[leaf] = fresh
		return nil
	}
	nv, err := normalize(v)
	if err != nil {
		return err
	}
	doc[leaf] = nv
	return nil
}

func clone(doc Doc) (map[string]any, error) {
	if doc == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("docstore: copy document: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("docstore: copy document: %w", err)
	}
	return out, nil
}
