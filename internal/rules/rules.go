package rules

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/xpath"
	"gopkg.in/yaml.v3"
)

// Kind is the closed set of supported selector expression kinds
type Kind string

const (
	KindCSS    Kind = "css"
	KindXPath  Kind = "xpath"
	KindMeta   Kind = "meta"
	KindJSONLD Kind = "jsonld"
)

// Field names a product field (or the container) a selector resolves
type Field string

const (
	FieldContainer       Field = "container"
	FieldName            Field = "name"
	FieldPrice           Field = "price"
	FieldImage           Field = "image"
	FieldCharacteristics Field = "characteristics"
	FieldDescription     Field = "description"
	FieldCategory        Field = "category"
	FieldLink            Field = "link"
	FieldAvailability    Field = "availability"
	FieldNext            Field = "next"
)

// Fields lists every known field in evaluation order
var Fields = []Field{
	FieldContainer, FieldName, FieldPrice, FieldImage, FieldCharacteristics,
	FieldDescription, FieldCategory, FieldLink, FieldAvailability, FieldNext,
}

// ErrInvalidSelector is wrapped by every selector parse/validation failure
var ErrInvalidSelector = errors.New("invalid selector")

var attrSuffix = regexp.MustCompile(`::attr\(([A-Za-z0-9_:-]+)\)$`)

// Selector is one validated extraction expression.
// Attr selects an attribute instead of the text content.
type Selector struct {
	Kind Kind
	Expr string
	Attr string
}

// CSS is a shorthand for building css selectors in code
func CSS(expr string) Selector { return Selector{Kind: KindCSS, Expr: expr} }

// CSSAttr is a css selector reading an attribute
func CSSAttr(expr, attr string) Selector { return Selector{Kind: KindCSS, Expr: expr, Attr: attr} }

// Parse reads the compact form "kind:expr[::attr(name)]". Without a known kind
// prefix the expression is treated as css.
func Parse(raw string) (Selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Selector{}, fmt.Errorf("%w: empty expression", ErrInvalidSelector)
	}

	sel := Selector{Kind: KindCSS, Expr: raw}
	if prefix, rest, ok := strings.Cut(raw, ":"); ok {
		switch Kind(strings.ToLower(prefix)) {
		case KindCSS, KindXPath, KindMeta, KindJSONLD:
			sel.Kind = Kind(strings.ToLower(prefix))
			sel.Expr = strings.TrimSpace(rest)
		}
	}

	if m := attrSuffix.FindStringSubmatchIndex(sel.Expr); m != nil {
		sel.Attr = sel.Expr[m[2]:m[3]]
		sel.Expr = strings.TrimSpace(sel.Expr[:m[0]])
	}

	if err := sel.Validate(); err != nil {
		return Selector{}, err
	}
	return sel, nil
}

// MustParse panics on invalid input. Intended for built-in rule tables.
func MustParse(raw string) Selector {
	sel, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return sel
}

// Validate compiles the expression for its kind
func (s Selector) Validate() error {
	if s.Expr == "" {
		return fmt.Errorf("%w: empty %s expression", ErrInvalidSelector, s.Kind)
	}
	switch s.Kind {
	case KindCSS:
		if _, err := cascadia.ParseGroup(s.Expr); err != nil {
			return fmt.Errorf("%w: css %q: %v", ErrInvalidSelector, s.Expr, err)
		}
	case KindXPath:
		if _, err := xpath.Compile(s.Expr); err != nil {
			return fmt.Errorf("%w: xpath %q: %v", ErrInvalidSelector, s.Expr, err)
		}
	case KindMeta:
		if strings.ContainsAny(s.Expr, " \t\"'") {
			return fmt.Errorf("%w: meta name %q", ErrInvalidSelector, s.Expr)
		}
	case KindJSONLD:
		if strings.ContainsAny(s.Expr, " \t") {
			return fmt.Errorf("%w: jsonld path %q", ErrInvalidSelector, s.Expr)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSelector, s.Kind)
	}
	return nil
}

// PageLevel reports whether the selector reads the whole page rather than a container
func (s Selector) PageLevel() bool {
	return s.Kind == KindMeta || s.Kind == KindJSONLD
}

// String returns the compact form accepted by Parse
func (s Selector) String() string {
	out := string(s.Kind) + ":" + s.Expr
	if s.Attr != "" {
		out += "::attr(" + s.Attr + ")"
	}
	return out
}

func (s Selector) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Selector) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// List is an ordered list of selectors for one field; the first one yielding a value wins.
// It decodes from a single string or a list of strings.
type List []Selector

func (l *List) UnmarshalYAML(node *yaml.Node) error {
	var raws []string
	switch node.Kind {
	case yaml.ScalarNode:
		raws = []string{node.Value}
	case yaml.SequenceNode:
		if err := node.Decode(&raws); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: line %d: expected string or list", ErrInvalidSelector, node.Line)
	}
	return l.parseAll(raws)
}

func (l *List) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		return l.parseAll([]string{single})
	}
	var raws []string
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("%w: expected string or list", ErrInvalidSelector)
	}
	return l.parseAll(raws)
}

func (l *List) parseAll(raws []string) error {
	out := make(List, 0, len(raws))
	for _, raw := range raws {
		sel, err := Parse(raw)
		if err != nil {
			return err
		}
		out = append(out, sel)
	}
	*l = out
	return nil
}

// RuleSet maps fields to ordered selector lists
type RuleSet map[Field]List

// Validate checks field names and every selector
func (rs RuleSet) Validate() error {
	for field, list := range rs {
		if !slices.Contains(Fields, field) {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidSelector, field)
		}
		for _, sel := range list {
			if err := sel.Validate(); err != nil {
				return fmt.Errorf("field %s: %w", field, err)
			}
		}
	}
	return nil
}

// Clone returns a deep copy
func (rs RuleSet) Clone() RuleSet {
	if rs == nil {
		return nil
	}
	out := make(RuleSet, len(rs))
	for field, list := range rs {
		out[field] = slices.Clone(list)
	}
	return out
}

// Overlay returns a rule set where, for every field in top, top's selectors come
// first followed by the remaining base selectors
func Overlay(top, base RuleSet) RuleSet {
	out := base.Clone()
	if out == nil {
		out = RuleSet{}
	}
	for field, list := range top {
		merged := slices.Clone(list)
		for _, sel := range base[field] {
			if !slices.Contains(merged, sel) {
				merged = append(merged, sel)
			}
		}
		out[field] = merged
	}
	return out
}

// Fingerprint identifies a rule set independent of map order
func (rs RuleSet) Fingerprint() string {
	if len(rs) == 0 {
		return ""
	}
	fields := make([]string, 0, len(rs))
	for field := range rs {
		fields = append(fields, string(field))
	}
	sort.Strings(fields)

	h := sha1.New()
	for _, field := range fields {
		h.Write([]byte(field))
		for _, sel := range rs[Field(field)] {
			h.Write([]byte{0})
			h.Write([]byte(sel.String()))
		}
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}
