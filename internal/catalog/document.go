package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Doc is a JSON document as it travels between members. Numeric fields
// decode to float64, which is the only numeric domain the key-change
// machinery supports.
type Doc map[string]any

// DecodeDoc parses a raw JSON document.
func DecodeDoc(raw []byte) (Doc, error) {
	var d Doc
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// ID returns the primary key field. Every stored document has one; the
// member assigns it on insert when the client omits it.
func (d Doc) ID() (any, bool) {
	v, ok := d["_id"]
	return v, ok
}

// IDString renders the primary key in its canonical store-key form.
func (d Doc) IDString() (string, bool) {
	v, ok := d["_id"]
	if !ok {
		return "", false
	}
	return CanonicalID(v), true
}

// CanonicalID renders any primary-key value as a stable string. JSON
// round-trips turn ints into float64, so numbers format through %g to
// keep "5" and 5 from splitting into two identities.
func CanonicalID(v any) string {
	switch x := v.(type) {
	case string:
		return "s:" + x
	case float64:
		return fmt.Sprintf("n:%g", x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return "s:" + x.String()
		}
		return fmt.Sprintf("n:%g", f)
	case bool:
		return fmt.Sprintf("b:%v", x)
	default:
		raw, _ := json.Marshal(v)
		return "j:" + string(raw)
	}
}

// Num returns the named field as a float64 when it is numeric.
func (d Doc) Num(field string) (float64, bool) {
	switch x := d[field].(type) {
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Project copies only the named fields (plus _id) into a new document.
func (d Doc) Project(fields []string) Doc {
	out := make(Doc, len(fields)+1)
	if v, ok := d["_id"]; ok {
		out["_id"] = v
	}
	for _, f := range fields {
		if v, ok := d[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Encode renders the document back to JSON.
func (d Doc) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// ValidateNamespace checks a "db.coll" namespace: both parts present
// and non-empty.
func ValidateNamespace(ns string) error {
	i := strings.Index(ns, ".")
	if i <= 0 || i == len(ns)-1 {
		return fmt.Errorf("bad ns[%s]", ns)
	}
	return nil
}

// IsSystemNamespace reports namespaces that admin commands must refuse
// to reshard.
func IsSystemNamespace(ns string) bool {
	return strings.Contains(ns, ".system.")
}

// IndexSpec describes one index on a collection, the subset of index
// metadata the sharding prechecks consult.
type IndexSpec struct {
	NS     string     `json:"ns"`
	Key    KeyPattern `json:"key"`
	Unique bool       `json:"unique,omitempty"`
	Sparse bool       `json:"sparse,omitempty"`
}

// UniqueIndexCompatible reports whether a proposed shard key can
// coexist with an existing unique index: the shard key must be a
// prefix of the index, except for the _id index which is always fine.
func UniqueIndexCompatible(proposed KeyPattern, idx IndexSpec) bool {
	if !idx.Unique {
		return true
	}
	if idx.Key.First() == "_id" {
		return true
	}
	return proposed.IsPrefixOf(idx.Key)
}

// Collection is the config-store record for a sharded collection.
type Collection struct {
	NS     string     `json:"ns"`
	Key    KeyPattern `json:"key"`
	Unique bool       `json:"unique,omitempty"`
	Epoch  Epoch      `json:"epoch"`
}
