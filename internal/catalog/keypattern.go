package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Direction is the ordering of one field inside a key pattern.
type Direction int

const (
	// Ascending sorts the field in its natural numeric order.
	Ascending Direction = iota
	// Hashed distributes the field by hash. Only legal as the single
	// field of a pattern.
	Hashed
)

// KeyField is one (field, direction) pair of a key pattern.
type KeyField struct {
	Field string
	Dir   Direction
}

// KeyPattern is an ordered list of key fields. The wire form mirrors the
// command documents, e.g. {"a": 1, "b": 1} or {"a": "hashed"}; field
// order is significant and preserved through JSON.
type KeyPattern []KeyField

// ParseKeyPattern builds a pattern from raw JSON, preserving field order.
func ParseKeyPattern(raw json.RawMessage) (KeyPattern, error) {
	var kp KeyPattern
	if err := kp.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return kp, nil
}

// Validate checks the structural rules: non-empty, no duplicate fields,
// and hashed only as a single-field pattern.
func (kp KeyPattern) Validate() error {
	if len(kp) == 0 {
		return fmt.Errorf("empty key pattern")
	}
	seen := make(map[string]struct{}, len(kp))
	for _, f := range kp {
		if f.Field == "" {
			return fmt.Errorf("key pattern has empty field name")
		}
		if _, dup := seen[f.Field]; dup {
			return fmt.Errorf("duplicate field %q in key pattern", f.Field)
		}
		seen[f.Field] = struct{}{}
		if f.Dir == Hashed && len(kp) > 1 {
			return fmt.Errorf("hashed shard keys currently only support single field keys")
		}
	}
	return nil
}

// Equal reports whether two patterns list the same fields with the same
// directions in the same order.
func (kp KeyPattern) Equal(other KeyPattern) bool {
	if len(kp) != len(other) {
		return false
	}
	for i := range kp {
		if kp[i] != other[i] {
			return false
		}
	}
	return true
}

// First returns the name of the leading field.
func (kp KeyPattern) First() string {
	if len(kp) == 0 {
		return ""
	}
	return kp[0].Field
}

// IsHashed reports whether the pattern is a single hashed field.
func (kp KeyPattern) IsHashed() bool {
	return len(kp) == 1 && kp[0].Dir == Hashed
}

// Fields returns the field names in pattern order.
func (kp KeyPattern) Fields() []string {
	out := make([]string, len(kp))
	for i, f := range kp {
		out[i] = f.Field
	}
	return out
}

// IsPrefixOf reports whether kp's fields are a prefix of other's, the
// index-usefulness test shared by initial sharding and key changes.
func (kp KeyPattern) IsPrefixOf(other KeyPattern) bool {
	if len(kp) > len(other) {
		return false
	}
	for i := range kp {
		if kp[i].Field != other[i].Field {
			return false
		}
	}
	return true
}

// String renders the wire form, e.g. `{a: 1, b: "hashed"}`.
func (kp KeyPattern) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range kp {
		if i > 0 {
			b.WriteString(", ")
		}
		if f.Dir == Hashed {
			fmt.Fprintf(&b, "%s: %q", f.Field, "hashed")
		} else {
			fmt.Fprintf(&b, "%s: 1", f.Field)
		}
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON emits the ordered object form.
func (kp KeyPattern) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, f := range kp {
		if i > 0 {
			b.WriteByte(',')
		}
		name, err := json.Marshal(f.Field)
		if err != nil {
			return nil, err
		}
		b.Write(name)
		b.WriteByte(':')
		if f.Dir == Hashed {
			b.WriteString(`"hashed"`)
		} else {
			b.WriteByte('1')
		}
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// UnmarshalJSON parses the object form with a token scan so field order
// survives; map-based decoding would scramble compound patterns.
func (kp *KeyPattern) UnmarshalJSON(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("key pattern must be an object")
	}
	var out KeyPattern
	for dec.More() {
		nameTok, err := dec.Token()
		if err != nil {
			return err
		}
		name := nameTok.(string)
		valTok, err := dec.Token()
		if err != nil {
			return err
		}
		switch v := valTok.(type) {
		case string:
			if v != "hashed" {
				return fmt.Errorf("unrecognized string: %s", v)
			}
			out = append(out, KeyField{Field: name, Dir: Hashed})
		case json.Number:
			if v.String() != "1" {
				return fmt.Errorf("unsupported shard key pattern; pattern must either be a single hashed field, or a list of ascending fields")
			}
			out = append(out, KeyField{Field: name, Dir: Ascending})
		default:
			return fmt.Errorf("unsupported shard key pattern value for %q", name)
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*kp = out
	return nil
}
