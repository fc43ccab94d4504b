// Package params implements the hierarchical job configuration. A parameter
// set is a JSON object queried with gjson paths ("options.numberOfThreads").
package params

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
)

// namespace seeds the deterministic parameter-set ids
var namespace = uuid.MustParse("6f1d1c4e-8b5f-4b53-9a55-0c2a3c7e9d10")

// ParameterSet is an immutable JSON object.
type ParameterSet struct {
	raw []byte
}

// New validates raw as a JSON object and wraps it
func New(raw []byte) (*ParameterSet, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = []byte("{}")
	}
	if !gjson.ValidBytes(raw) {
		return nil, sdkerrors.Newf(sdkerrors.Configuration, "configuration is not valid JSON")
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return nil, sdkerrors.Newf(sdkerrors.Configuration, "configuration must be a JSON object")
	}
	return &ParameterSet{raw: raw}, nil
}

// MustNew is New for literals known to be valid
func MustNew(raw string) *ParameterSet {
	p, err := New([]byte(raw))
	if err != nil {
		panic(err)
	}
	return p
}

// Empty returns a parameter set with no entries
func Empty() *ParameterSet {
	return &ParameterSet{raw: []byte("{}")}
}

// FromValue serialises v (typically a map) into a parameter set
func FromValue(v any) (*ParameterSet, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, sdkerrors.NewError(sdkerrors.Configuration, "cannot encode configuration", err)
	}
	return New(raw)
}

// Raw returns the JSON bytes
func (p *ParameterSet) Raw() []byte {
	return p.raw
}

// ID returns the deterministic identity of the set
func (p *ParameterSet) ID() uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(gjson.GetBytes(p.raw, "@ugly").Raw))
}

func (p *ParameterSet) get(path string) gjson.Result {
	return gjson.GetBytes(p.raw, path)
}

// Exists reports whether path is present
func (p *ParameterSet) Exists(path string) bool {
	return p.get(path).Exists()
}

// Keys returns the top-level keys in document order
func (p *ParameterSet) Keys() []string {
	var keys []string
	gjson.ParseBytes(p.raw).ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	return keys
}

// GetString returns the string at path or def
func (p *ParameterSet) GetString(path, def string) string {
	r := p.get(path)
	if !r.Exists() {
		return def
	}
	return r.String()
}

// GetInt returns the integer at path or def
func (p *ParameterSet) GetInt(path string, def int64) int64 {
	r := p.get(path)
	if !r.Exists() {
		return def
	}
	return r.Int()
}

// GetUint returns the unsigned integer at path or def
func (p *ParameterSet) GetUint(path string, def uint64) uint64 {
	r := p.get(path)
	if !r.Exists() {
		return def
	}
	return r.Uint()
}

// GetBool returns the boolean at path or def
func (p *ParameterSet) GetBool(path string, def bool) bool {
	r := p.get(path)
	if !r.Exists() {
		return def
	}
	return r.Bool()
}

// GetFloat returns the number at path or def
func (p *ParameterSet) GetFloat(path string, def float64) float64 {
	r := p.get(path)
	if !r.Exists() {
		return def
	}
	return r.Float()
}

// GetStrings returns the string array at path
func (p *ParameterSet) GetStrings(path string) []string {
	var out []string
	for _, r := range p.get(path).Array() {
		out = append(out, r.String())
	}
	return out
}

// GetPSet returns the nested object at path, or an empty set
func (p *ParameterSet) GetPSet(path string) *ParameterSet {
	r := p.get(path)
	if !r.IsObject() {
		return Empty()
	}
	return &ParameterSet{raw: []byte(r.Raw)}
}

// GetPSetVector returns the objects in the array at path
func (p *ParameterSet) GetPSetVector(path string) []*ParameterSet {
	var out []*ParameterSet
	for _, r := range p.get(path).Array() {
		if r.IsObject() {
			out = append(out, &ParameterSet{raw: []byte(r.Raw)})
		}
	}
	return out
}

// Decode unmarshals the value at path into v
func (p *ParameterSet) Decode(path string, v any) error {
	r := p.get(path)
	if !r.Exists() {
		return nil
	}
	if err := json.Unmarshal([]byte(r.Raw), v); err != nil {
		return sdkerrors.NewError(sdkerrors.Configuration, fmt.Sprintf("cannot decode parameter %q", path), err)
	}
	return nil
}

// With returns a copy with value set at path
func (p *ParameterSet) With(path string, value any) (*ParameterSet, error) {
	raw, err := sjson.SetBytes(append([]byte(nil), p.raw...), path, value)
	if err != nil {
		return nil, sdkerrors.NewError(sdkerrors.Configuration, fmt.Sprintf("cannot set parameter %q", path), err)
	}
	return &ParameterSet{raw: raw}, nil
}

// Override applies a "path=value" assignment. The value is used as raw JSON
// when it parses as JSON and as a string otherwise.
func (p *ParameterSet) Override(assignment string) (*ParameterSet, error) {
	path, value, ok := strings.Cut(assignment, "=")
	path = strings.TrimSpace(path)
	if !ok || path == "" {
		return nil, sdkerrors.Newf(sdkerrors.Configuration, "override %q must have the form path=value", assignment)
	}
	var raw []byte
	var err error
	if gjson.Valid(value) {
		raw, err = sjson.SetRawBytes(append([]byte(nil), p.raw...), path, []byte(value))
	} else {
		raw, err = sjson.SetBytes(append([]byte(nil), p.raw...), path, value)
	}
	if err != nil {
		return nil, sdkerrors.NewError(sdkerrors.Configuration, fmt.Sprintf("cannot apply override %q", assignment), err)
	}
	return &ParameterSet{raw: raw}, nil
}

// UnknownKeys returns the top-level keys of the set that are not in allowed
func (p *ParameterSet) UnknownKeys(allowed ...string) []string {
	known := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		known[a] = struct{}{}
	}
	var unknown []string
	for _, k := range p.Keys() {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	return unknown
}
