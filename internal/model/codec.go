package model

import (
	"encoding/json"
	"fmt"
)

// Patch is a partial update keyed by JSON field name, the same shape the
// mutation endpoints accept.
type Patch map[string]any

// Decode parses one entity of the given kind and validates it.
func Decode(kind Kind, data []byte) (Entity, error) {
	var (
		e   Entity
		err error
	)
	switch kind {
	case KindTask:
		var t Task
		err = json.Unmarshal(data, &t)
		e = t
	case KindAgent:
		var a Agent
		err = json.Unmarshal(data, &a)
		e = a
	case KindEvent:
		var ev Event
		err = json.Unmarshal(data, &ev)
		e = ev
	default:
		return nil, fmt.Errorf("decode: unknown kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// DecodeList parses a JSON array of entities. Elements that fail to decode
// or validate are reported in skipped rather than failing the whole list.
func DecodeList(kind Kind, data []byte) (out []Entity, skipped []error, err error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("decode %s list: %w", kind, err)
	}
	out = make([]Entity, 0, len(raw))
	for _, item := range raw {
		e, derr := Decode(kind, item)
		if derr != nil {
			skipped = append(skipped, derr)
			continue
		}
		out = append(out, e)
	}
	return out, skipped, nil
}

// ApplyPatch returns a copy of e with the patch fields overlaid. The id can
// not be patched.
func ApplyPatch(e Entity, p Patch) (Entity, error) {
	if _, ok := p["id"]; ok {
		return nil, fmt.Errorf("patch %s %s: id is immutable", e.EntityKind(), e.EntityID())
	}
	base, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("patch: marshal %s: %w", e.EntityKind(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}
	for k, v := range p {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("patch field %q: %w", k, err)
		}
		fields[k] = b
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}
	return Decode(e.EntityKind(), merged)
}
