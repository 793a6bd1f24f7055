package variables

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"

	"github.com/compozy/taskengine/engine/core"
	"github.com/tidwall/gjson"
)

const (
	// ObjectArg is the argument holding the object selector.
	ObjectArg = "o"
	// PrevResultVar is bound to the preceding action's result inside a chain.
	PrevResultVar = "PREV_ACTION_RESULT"
	// PrevErrorArg is injected into error handlers.
	PrevErrorArg = "PREV_ACTION_ERROR"
)

var tokenPattern = regexp.MustCompile(`%:([^:%\s]+):%`)

// Object is a monitored object as returned by the directory.
type Object struct {
	ID   int64  `json:"id"   db:"id"`
	Name string `json:"name" db:"name"`
}

// Directory looks objects up. Implementations return rows in their own order.
type Directory interface {
	ObjectsByIDs(ctx context.Context, ids []int64) ([]Object, error)
	ObjectsByNames(ctx context.Context, names []string) ([]Object, error)
	ObjectsByOCIDs(ctx context.Context, ocids []int64) ([]Object, error)
}

// Substitute replaces every %:NAME:% token found in vars. Unknown tokens stay.
func Substitute(text string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(text, "%:") {
		return text
	}
	return tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		name := tok[2 : len(tok)-2]
		if v, ok := vars[name]; ok {
			return v
		}
		return tok
	})
}

type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve substitutes every argument and normalizes the object selector.
// The input map is not modified.
func (r *Resolver) Resolve(ctx context.Context, args, vars map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = Substitute(v, vars)
	}
	raw, ok := out[ObjectArg]
	if !ok {
		return out, nil
	}
	normalized, err := r.Normalize(ctx, raw)
	if err != nil {
		return nil, err
	}
	out[ObjectArg] = normalized
	return out, nil
}

// Normalize returns the canonical JSON list of {id,name} pairs for a selector.
// Pair lists are returned unchanged.
func (r *Resolver) Normalize(ctx context.Context, raw string) (string, error) {
	sel, err := Classify(raw)
	if err != nil {
		return "", err
	}
	if sel.Kind == KindPairs {
		return strings.TrimSpace(raw), nil
	}
	objects, err := r.lookup(ctx, sel)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(objects)
	if err != nil {
		return "", fmt.Errorf("failed to encode objects: %w", err)
	}
	return string(data), nil
}

// Objects returns the objects a selector refers to.
func (r *Resolver) Objects(ctx context.Context, raw string) ([]Object, error) {
	sel, err := Classify(raw)
	if err != nil {
		return nil, err
	}
	if sel.Kind == KindPairs {
		return sel.Pairs, nil
	}
	return r.lookup(ctx, sel)
}

func (r *Resolver) lookup(ctx context.Context, sel *Selector) ([]Object, error) {
	var (
		objects []Object
		err     error
	)
	switch sel.Kind {
	case KindEmpty:
		return []Object{}, nil
	case KindIDs:
		objects, err = r.dir.ObjectsByIDs(ctx, sel.IDs)
	case KindNames:
		objects, err = r.dir.ObjectsByNames(ctx, sel.Names)
	}
	if err != nil {
		return nil, core.NewError(err, core.ErrCodeLookup, map[string]any{"selector": sel.Kind.String()})
	}
	if objects == nil {
		objects = []Object{}
	}
	return objects, nil
}

// EncodeObjects renders objects in the canonical selector form.
func EncodeObjects(objects []Object) string {
	if len(objects) == 0 {
		return "[]"
	}
	data, err := json.Marshal(objects)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// WithVar returns a copy of vars with name bound to value.
func WithVar(vars map[string]string, name, value string) map[string]string {
	out := maps.Clone(vars)
	if out == nil {
		out = make(map[string]string, 1)
	}
	out[name] = value
	return out
}

// -----------------------------------------------------------------------------
// Selector classification
// -----------------------------------------------------------------------------

type Kind int

const (
	KindEmpty Kind = iota
	KindIDs
	KindNames
	KindPairs
)

func (k Kind) String() string {
	switch k {
	case KindIDs:
		return "ids"
	case KindNames:
		return "names"
	case KindPairs:
		return "pairs"
	default:
		return "empty"
	}
}

// Selector is a classified object selector.
type Selector struct {
	Kind  Kind
	IDs   []int64
	Names []string
	Pairs []Object
}

// Classify determines the shape of a selector. Lists whose elements disagree
// on their shape fail with a validation error.
func Classify(raw string) (*Selector, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return &Selector{Kind: KindEmpty}, nil
	}
	if gjson.Valid(s) {
		res := gjson.Parse(s)
		switch {
		case res.IsArray():
			return classifyList(res.Array())
		case res.Type == gjson.Number:
			id, ok := asID(res)
			if !ok {
				return nil, core.ValidationError("object selector %q is not an integer id", s)
			}
			return &Selector{Kind: KindIDs, IDs: []int64{id}}, nil
		case res.Type == gjson.String:
			return classifyDelimited(res.Str), nil
		case res.IsObject():
			return nil, core.ValidationError("object selector must be a list, got an object")
		}
	}
	return classifyDelimited(s), nil
}

func classifyList(items []gjson.Result) (*Selector, error) {
	sel := &Selector{Kind: KindEmpty}
	for i, item := range items {
		kind, err := elementKind(item)
		if err != nil {
			return nil, core.ValidationError("object selector element %d: %v", i, err)
		}
		if sel.Kind != KindEmpty && sel.Kind != kind {
			return nil, core.ValidationError(
				"object selector mixes %s and %s elements", sel.Kind, kind,
			)
		}
		sel.Kind = kind
		switch kind {
		case KindIDs:
			id, _ := asID(item)
			sel.IDs = append(sel.IDs, id)
		case KindNames:
			sel.Names = append(sel.Names, item.Str)
		case KindPairs:
			id, _ := asID(item.Get("id"))
			sel.Pairs = append(sel.Pairs, Object{ID: id, Name: item.Get("name").Str})
		}
	}
	return sel, nil
}

func elementKind(item gjson.Result) (Kind, error) {
	switch {
	case item.Type == gjson.Number:
		if _, ok := asID(item); !ok {
			return 0, fmt.Errorf("%s is not an integer id", item.Raw)
		}
		return KindIDs, nil
	case item.Type == gjson.String:
		if _, ok := asID(item); ok {
			return KindIDs, nil
		}
		if strings.TrimSpace(item.Str) == "" {
			return 0, fmt.Errorf("empty object name")
		}
		return KindNames, nil
	case item.IsObject():
		id, name := item.Get("id"), item.Get("name")
		if _, ok := asID(id); !ok || id.Type != gjson.Number {
			return 0, fmt.Errorf("pair needs a numeric id")
		}
		if name.Type != gjson.String {
			return 0, fmt.Errorf("pair needs a string name")
		}
		return KindPairs, nil
	default:
		return 0, fmt.Errorf("unsupported element %s", item.Raw)
	}
}

func asID(r gjson.Result) (int64, bool) {
	switch r.Type {
	case gjson.Number:
		id, err := strconv.ParseInt(r.Raw, 10, 64)
		return id, err == nil
	case gjson.String:
		id, err := strconv.ParseInt(strings.TrimSpace(r.Str), 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}

func classifyDelimited(s string) *Selector {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r'
	})
	var tokens []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tokens = append(tokens, p)
		}
	}
	if len(tokens) == 0 {
		return &Selector{Kind: KindEmpty}
	}
	ids := make([]int64, 0, len(tokens))
	for _, tok := range tokens {
		id, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return &Selector{Kind: KindNames, Names: tokens}
		}
		ids = append(ids, id)
	}
	return &Selector{Kind: KindIDs, IDs: ids}
}
