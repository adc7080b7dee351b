package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Value is one node of a typed attribute tree. A value is a literal, a list,
// a nested block, or a reference to another resource's output. References are
// a distinct typed variant; the engine never interpolates string templates.
type Value interface {
	value()

	// Equal reports deep equality with another value. Numeric literals are
	// compared after normalization so a YAML int and a JSON float64 with the
	// same magnitude compare equal.
	Equal(other Value) bool
}

// Literal is a scalar attribute value (string, number, or bool).
type Literal struct {
	V interface{}
}

// List is an ordered sequence of values.
type List struct {
	Items []Value
}

// Block is a nested attribute block.
type Block struct {
	Attrs Attrs
}

// Ref points at another resource's computed output. Path addresses into the
// producer's outputs, with dots descending into nested blocks (e.g. "id" or
// "endpoint.port").
type Ref struct {
	Kind Kind
	Name string
	Path string
}

func (Literal) value() {}
func (List) value()    {}
func (Block) value()   {}
func (Ref) value()     {}

// Target returns the key of the referenced resource.
func (r Ref) Target() Key {
	return Key{Kind: r.Kind, Name: r.Name}
}

// String renders the reference in kind.name.path form.
func (r Ref) String() string {
	return fmt.Sprintf("%s.%s.%s", r.Kind, r.Name, r.Path)
}

// Equal implements Value.
func (l Literal) Equal(other Value) bool {
	o, ok := other.(Literal)
	if !ok {
		return false
	}
	return literalEqual(l.V, o.V)
}

// Equal implements Value.
func (l List) Equal(other Value) bool {
	o, ok := other.(List)
	if !ok || len(l.Items) != len(o.Items) {
		return false
	}
	for i := range l.Items {
		if !l.Items[i].Equal(o.Items[i]) {
			return false
		}
	}
	return true
}

// Equal implements Value.
func (b Block) Equal(other Value) bool {
	o, ok := other.(Block)
	if !ok || len(b.Attrs) != len(o.Attrs) {
		return false
	}
	for name, v := range b.Attrs {
		ov, present := o.Attrs[name]
		if !present || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Equal implements Value.
func (r Ref) Equal(other Value) bool {
	o, ok := other.(Ref)
	return ok && r == o
}

// literalEqual compares scalars, treating all numeric representations as
// float64. YAML decoding yields int, JSON decoding yields float64.
func literalEqual(a, b interface{}) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Attrs is an attribute map with JSON support for state persistence and plan
// serialization. References serialize as {"$ref": "kind.name.path"} objects.
type Attrs map[string]Value

const refMarker = "$ref"

// MarshalJSON implements json.Marshaler with deterministic key ordering.
func (a Attrs) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		encoded, err := MarshalValue(a[name])
		if err != nil {
			return nil, err
		}
		buf.Write(encoded)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Attrs) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Attrs, len(raw))
	for name, rv := range raw {
		v, err := UnmarshalValue(rv)
		if err != nil {
			return fmt.Errorf("attribute %q: %w", name, err)
		}
		out[name] = v
	}
	*a = out
	return nil
}

// MarshalValue encodes a single value as JSON.
func MarshalValue(v Value) ([]byte, error) {
	switch tv := v.(type) {
	case Literal:
		return json.Marshal(tv.V)
	case List:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range tv.Items {
			if i > 0 {
				buf.WriteByte(',')
			}
			encoded, err := MarshalValue(item)
			if err != nil {
				return nil, err
			}
			buf.Write(encoded)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case Block:
		return tv.Attrs.MarshalJSON()
	case Ref:
		return json.Marshal(map[string]string{refMarker: tv.String()})
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unknown value variant %T", v)
	}
}

// UnmarshalValue decodes a single value from JSON. An object whose only key
// is "$ref" decodes as a reference; any other object decodes as a block.
func UnmarshalValue(data []byte) (Value, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	switch trimmed[0] {
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, err
		}
		if rv, ok := raw[refMarker]; ok && len(raw) == 1 {
			var addr string
			if err := json.Unmarshal(rv, &addr); err != nil {
				return nil, err
			}
			return ParseRef(addr)
		}
		var attrs Attrs
		if err := attrs.UnmarshalJSON(trimmed); err != nil {
			return nil, err
		}
		return Block{Attrs: attrs}, nil
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, err
		}
		items := make([]Value, 0, len(raw))
		for _, rv := range raw {
			item, err := UnmarshalValue(rv)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return List{Items: items}, nil
	default:
		var scalar interface{}
		if err := json.Unmarshal(trimmed, &scalar); err != nil {
			return nil, err
		}
		return Literal{V: scalar}, nil
	}
}

// ParseRef parses a kind.name.path address into a reference.
func ParseRef(addr string) (Ref, error) {
	parts := strings.SplitN(addr, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Ref{}, fmt.Errorf("malformed reference %q, want kind.name.path", addr)
	}
	return Ref{Kind: Kind(parts[0]), Name: parts[1], Path: parts[2]}, nil
}

// walkRefs invokes fn for every reference in the value tree.
func walkRefs(v Value, fn func(Ref)) {
	switch tv := v.(type) {
	case Ref:
		fn(tv)
	case List:
		for _, item := range tv.Items {
			walkRefs(item, fn)
		}
	case Block:
		for _, nested := range tv.Attrs {
			walkRefs(nested, fn)
		}
	}
}

// References returns every reference contained in the attribute map.
func (a Attrs) References() []Ref {
	var refs []Ref
	for _, v := range a {
		walkRefs(v, func(r Ref) { refs = append(refs, r) })
	}
	return refs
}

// OutputLookup resolves a reference to a concrete value, typically against a
// producer's published outputs.
type OutputLookup func(Ref) (Value, error)

// ResolveValue substitutes every reference in the value tree using lookup.
func ResolveValue(v Value, lookup OutputLookup) (Value, error) {
	switch tv := v.(type) {
	case Ref:
		return lookup(tv)
	case List:
		items := make([]Value, len(tv.Items))
		for i, item := range tv.Items {
			resolved, err := ResolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			items[i] = resolved
		}
		return List{Items: items}, nil
	case Block:
		attrs, err := tv.Attrs.Resolve(lookup)
		if err != nil {
			return nil, err
		}
		return Block{Attrs: attrs}, nil
	default:
		return v, nil
	}
}

// Resolve substitutes every reference in the attribute map using lookup.
func (a Attrs) Resolve(lookup OutputLookup) (Attrs, error) {
	out := make(Attrs, len(a))
	for name, v := range a {
		resolved, err := ResolveValue(v, lookup)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		out[name] = resolved
	}
	return out, nil
}

// LookupPath walks a dot-separated path through nested blocks.
func (a Attrs) LookupPath(path string) (Value, bool) {
	parts := strings.Split(path, ".")
	current := a
	for i, part := range parts {
		v, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		block, ok := v.(Block)
		if !ok {
			return nil, false
		}
		current = block.Attrs
	}
	return nil, false
}
