package semantic

import (
	"errors"
	"fmt"
	"strings"
)

// TagDelimiter joins multi-valued attributes into a single metadata string,
// since the index only stores scalar values.
const TagDelimiter = ","

// ErrUnsupportedValue is returned when a metadata value is not a scalar.
var ErrUnsupportedValue = errors.New("semantic: unsupported metadata value")

// Kind identifies the scalar type held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Value is a scalar metadata value: string, integer, float or boolean.
type Value struct {
	kind Kind
	str  string
	num  int64
	flt  float64
	b    bool
}

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int returns an integer Value.
func Int(n int64) Value { return Value{kind: KindInt, num: n} }

// Float returns a floating-point Value.
func Float(f float64) Value { return Value{kind: KindFloat, flt: f} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func (v Value) Kind() Kind     { return v.kind }
func (v Value) Str() string    { return v.str }
func (v Value) Int() int64     { return v.num }
func (v Value) Float() float64 { return v.flt }
func (v Value) Bool() bool     { return v.b }
func (v Value) IsValid() bool  { return v.kind != KindInvalid }

// Any returns the underlying Go value.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return v.num
	case KindFloat:
		return v.flt
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// Equal compares two values. Integers and floats compare numerically and
// invalid values equal nothing.
func (v Value) Equal(o Value) bool {
	switch {
	case v.kind == KindInvalid || o.kind == KindInvalid:
		return false
	case v.kind == o.kind:
		return v == o
	case v.kind == KindInt && o.kind == KindFloat:
		return float64(v.num) == o.flt
	case v.kind == KindFloat && o.kind == KindInt:
		return v.flt == float64(o.num)
	default:
		return false
	}
}

// ValueOf converts a Go value into a scalar Value. String slices are joined
// with TagDelimiter; maps, structs and other slices are rejected.
func ValueOf(x any) (Value, error) {
	switch tv := x.(type) {
	case Value:
		if !tv.IsValid() {
			return Value{}, ErrUnsupportedValue
		}
		return tv, nil
	case string:
		return String(tv), nil
	case bool:
		return Bool(tv), nil
	case int:
		return Int(int64(tv)), nil
	case int32:
		return Int(int64(tv)), nil
	case int64:
		return Int(tv), nil
	case uint32:
		return Int(int64(tv)), nil
	case float32:
		return Float(float64(tv)), nil
	case float64:
		return Float(tv), nil
	case []string:
		return String(JoinTags(tv)), nil
	case []any:
		// JSON arrays decode as []any; only all-string arrays are tags.
		tags := make([]string, len(tv))
		for i, e := range tv {
			str, ok := e.(string)
			if !ok {
				return Value{}, fmt.Errorf("%w: %T element in array", ErrUnsupportedValue, e)
			}
			tags[i] = str
		}
		return String(JoinTags(tags)), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, x)
	}
}

// JoinTags encodes a multi-valued attribute as one delimiter-joined string.
// Delimiters inside individual tags are dropped and blanks are skipped.
func JoinTags(tags []string) string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(strings.ReplaceAll(t, TagDelimiter, " "))
		if t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, TagDelimiter)
}

// SplitTags decodes a string produced by JoinTags.
func SplitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, TagDelimiter)
}

// Metadata keys stored with every vector record.
const (
	KeyContentID    = "contentId"
	KeyTitle        = "title"
	KeySlug         = "slug"
	KeyExcerpt      = "excerpt"
	KeyCategoryID   = "categoryId"
	KeyCategoryName = "categoryName"
	KeyAuthorID     = "authorId"
	KeyStatus       = "status"
	KeyPublishedAt  = "publishedAt"
	KeyViews        = "views"
	KeyLikesCount   = "likesCount"
	KeyTags         = "tags"
)

var reservedKeys = map[string]bool{
	KeyContentID: true, KeyTitle: true, KeySlug: true, KeyExcerpt: true,
	KeyCategoryID: true, KeyCategoryName: true, KeyAuthorID: true,
	KeyStatus: true, KeyPublishedAt: true, KeyViews: true,
	KeyLikesCount: true, KeyTags: true,
}

// Metadata is the flattened, scalar-only metadata of a vector record.
type Metadata struct {
	ContentID    string
	Title        string
	Slug         string
	Excerpt      string
	CategoryID   string
	CategoryName string
	AuthorID     string
	Status       string
	PublishedAt  int64 // epoch milliseconds
	Views        int64
	LikesCount   int64
	Tags         string // TagDelimiter-joined
	Extra        map[string]Value
}

// Fields returns the metadata as a flat key/value map. Extra entries never
// override the fixed keys.
func (m Metadata) Fields() map[string]Value {
	f := make(map[string]Value, len(reservedKeys)+len(m.Extra))
	for k, v := range m.Extra {
		if !reservedKeys[k] && v.IsValid() {
			f[k] = v
		}
	}
	f[KeyContentID] = String(m.ContentID)
	f[KeyTitle] = String(m.Title)
	f[KeySlug] = String(m.Slug)
	f[KeyExcerpt] = String(m.Excerpt)
	f[KeyCategoryID] = String(m.CategoryID)
	f[KeyCategoryName] = String(m.CategoryName)
	f[KeyAuthorID] = String(m.AuthorID)
	f[KeyStatus] = String(m.Status)
	f[KeyPublishedAt] = Int(m.PublishedAt)
	f[KeyViews] = Int(m.Views)
	f[KeyLikesCount] = Int(m.LikesCount)
	f[KeyTags] = String(m.Tags)
	return f
}

// MetadataFromFields rebuilds Metadata from a flat map. Unknown keys land in Extra.
func MetadataFromFields(f map[string]Value) Metadata {
	var m Metadata
	for k, v := range f {
		switch k {
		case KeyContentID:
			m.ContentID = v.Str()
		case KeyTitle:
			m.Title = v.Str()
		case KeySlug:
			m.Slug = v.Str()
		case KeyExcerpt:
			m.Excerpt = v.Str()
		case KeyCategoryID:
			m.CategoryID = v.Str()
		case KeyCategoryName:
			m.CategoryName = v.Str()
		case KeyAuthorID:
			m.AuthorID = v.Str()
		case KeyStatus:
			m.Status = v.Str()
		case KeyPublishedAt:
			m.PublishedAt = asInt(v)
		case KeyViews:
			m.Views = asInt(v)
		case KeyLikesCount:
			m.LikesCount = asInt(v)
		case KeyTags:
			m.Tags = v.Str()
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]Value)
			}
			m.Extra[k] = v
		}
	}
	return m
}

func asInt(v Value) int64 {
	if v.Kind() == KindFloat {
		return int64(v.Float())
	}
	return v.Int()
}

// Record is one entry in the vector index.
type Record struct {
	ID        string
	Embedding []float32
	Metadata  Metadata
}

// Match is a single nearest-neighbor hit.
type Match struct {
	ID       string   `json:"id"`
	Score    float32  `json:"score"`
	Metadata Metadata `json:"-"`
}

// Metric is the index-wide distance function.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricDot       Metric = "dot"
	MetricEuclidean Metric = "euclidean"
)

// Stats summarizes the index for observability.
type Stats struct {
	Count     uint64 `json:"count"`
	Dimension int    `json:"dimension"`
	Metric    Metric `json:"metric"`
}

// Condition matches one metadata key against a scalar.
type Condition struct {
	Key   string
	Value Value
}

// Filter is a metadata predicate evaluated by the index: every Must
// condition has to hold and no MustNot condition may hold.
type Filter struct {
	Must    []Condition
	MustNot []Condition
}

// Eq returns a filter requiring key == v.
func Eq(key string, v Value) Filter {
	return Filter{Must: []Condition{{Key: key, Value: v}}}
}

// Ne returns a filter requiring key != v.
func Ne(key string, v Value) Filter {
	return Filter{MustNot: []Condition{{Key: key, Value: v}}}
}

// And merges filters into one conjunction.
func (f Filter) And(others ...Filter) Filter {
	out := Filter{
		Must:    append([]Condition(nil), f.Must...),
		MustNot: append([]Condition(nil), f.MustNot...),
	}
	for _, o := range others {
		out.Must = append(out.Must, o.Must...)
		out.MustNot = append(out.MustNot, o.MustNot...)
	}
	return out
}

// IsEmpty reports whether the filter has no conditions.
func (f Filter) IsEmpty() bool { return len(f.Must) == 0 && len(f.MustNot) == 0 }

// Matches evaluates the filter against flattened metadata.
func (f Filter) Matches(fields map[string]Value) bool {
	for _, c := range f.Must {
		v, ok := fields[c.Key]
		if !ok || !v.Equal(c.Value) {
			return false
		}
	}
	for _, c := range f.MustNot {
		if v, ok := fields[c.Key]; ok && v.Equal(c.Value) {
			return false
		}
	}
	return true
}
