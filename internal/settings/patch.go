package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Patch is a partial settings object: any subset of the Settings JSON keys.
type Patch map[string]json.RawMessage

var knownKeys = func() map[string]bool {
	m, err := Defaults().Fields()
	if err != nil {
		panic(err)
	}
	keys := make(map[string]bool, len(m))
	for k := range m {
		keys[k] = true
	}
	return keys
}()

// NewPatch builds a Patch from plain Go values.
func NewPatch(values map[string]any) (Patch, error) {
	p := make(Patch, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		p[k] = raw
	}
	return p, nil
}

// MustPatch is NewPatch for literal values that are known to encode.
func MustPatch(values map[string]any) Patch {
	p, err := NewPatch(values)
	if err != nil {
		panic(err)
	}
	return p
}

// PatchOf returns every field of s as a Patch.
func PatchOf(s Settings) Patch {
	data, _ := json.Marshal(s)
	var p Patch
	json.Unmarshal(data, &p)
	return p
}

// Keys returns the patch keys in sorted order.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Without returns a copy of p with the given keys removed.
func (p Patch) Without(keys ...string) Patch {
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Merge applies p over base, last write wins per field: keys present in p
// overwrite base, every other field keeps its base value. Unknown keys are
// ignored and null is honoured only for userId, so no field can end up
// undefined. Nothing is merged if the result would be invalid.
func Merge(base Settings, p Patch) (Settings, error) {
	data, err := json.Marshal(base)
	if err != nil {
		return base, fmt.Errorf("encode settings: %w", err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return base, fmt.Errorf("decode settings: %w", err)
	}

	for k, v := range p {
		if !knownKeys[k] {
			continue
		}
		if isNull(v) {
			if k == "userId" {
				fields[k] = json.RawMessage("null")
			}
			continue
		}
		fields[k] = v
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return base, fmt.Errorf("encode merged settings: %w", err)
	}
	var out Settings
	if err := json.Unmarshal(merged, &out); err != nil {
		return base, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := out.Validate(); err != nil {
		return base, err
	}
	return out, nil
}
