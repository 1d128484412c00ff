// Package diff decides whether two snapshots differ structurally and when the
// page has settled.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"

	"github.com/gowebpki/jcs"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/formmapper/api/schemas"
)

// Tuple is the structural identity of one node. Text and live state are not part of it.
type Tuple struct {
	Tag       string            `json:"tag"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Options   []string          `json:"options,omitempty"`
	Visible   bool              `json:"visible"`
	FramePath []string          `json:"frame,omitempty"`
	Context   string            `json:"ctx,omitempty"`
}

// Tuples flattens a snapshot into structural tuples in document order.
func Tuples(s *schemas.Snapshot) []Tuple {
	var out []Tuple
	s.Walk(func(n *schemas.Node) bool {
		t := Tuple{Tag: n.Tag, Attrs: n.Attributes, Visible: n.Visible, FramePath: n.FramePath, Context: n.ContextID}
		for _, o := range n.Options {
			t.Options = append(t.Options, o.Value)
		}
		out = append(out, t)
		return true
	})
	return out
}

// Hash is the canonical digest of a snapshot's structure.
func Hash(s *schemas.Snapshot) string {
	if s == nil || s.Root == nil {
		return ""
	}
	return canonicalDigest(Tuples(s))
}

// Changed reports whether two snapshots differ structurally. A missing
// snapshot on either side counts as a change.
func Changed(prev, next *schemas.Snapshot) bool {
	if prev == nil || next == nil {
		return true
	}
	return Hash(prev) != Hash(next)
}

// FieldKey identifies an interactable element independent of its live state.
type FieldKey struct {
	Frame   string `json:"frame"`
	Locator string `json:"locator"`
	Tag     string `json:"tag"`
	Type    string `json:"type,omitempty"`
}

// FieldSet returns the sorted set of visible interactive elements.
func FieldSet(s *schemas.Snapshot) []FieldKey {
	var out []FieldKey
	for _, n := range s.VisibleInteractive() {
		out = append(out, FieldKey{Frame: schemas.PathString(n.FramePath), Locator: n.Locator, Tag: n.Tag, Type: n.Attr("type")})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Frame != b.Frame {
			return a.Frame < b.Frame
		}
		return a.Locator < b.Locator
	})
	return out
}

// FieldSetHash digests a field set on its own, for comparing sibling branch outcomes.
func FieldSetHash(fields []FieldKey) string {
	if fields == nil {
		fields = []FieldKey{}
	}
	return canonicalDigest(fields)
}

// StateHash identifies an exploration state: the page (without query or
// fragment), the fields it offers and the frame path the mapper stands in.
func StateHash(pageURL string, fields []FieldKey, framePath []string) string {
	if fields == nil {
		fields = []FieldKey{}
	}
	if framePath == nil {
		framePath = []string{}
	}
	return canonicalDigest(struct {
		URL    string     `json:"url"`
		Fields []FieldKey `json:"fields"`
		Frame  []string   `json:"frame"`
	}{stripVolatileURL(pageURL), fields, framePath})
}

func stripVolatileURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func canonicalDigest(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only plain strings, bools and slices are marshaled here.
		panic(fmt.Sprintf("diff: marshal: %v", err))
	}
	canon, err := jcs.Transform(b)
	if err != nil {
		panic(fmt.Sprintf("diff: canonicalize: %v", err))
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}
