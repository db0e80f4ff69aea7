// Package query implements the query planner: a fused
// streaming filter/sort/limit/offset executor over decoded documents,
// with backend push-down for the prefix-only case.
package query

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/kvstore/internal/backend"
	"github.com/dreamware/kvstore/internal/backend/table"
	"github.com/dreamware/kvstore/internal/codec"
)

// Op is a filter operator.
type Op string

const (
	OpEq         Op = "="
	OpEqEq       Op = "=="
	OpNeq        Op = "!="
	OpLt         Op = "<"
	OpLte        Op = "<="
	OpGt         Op = ">"
	OpGte        Op = ">="
	OpContains   Op = "contains"
	OpStartsWith Op = "startsWith"
	OpEndsWith   Op = "endsWith"
	OpIn         Op = "in"
	OpNotIn      Op = "notIn"
)

// SortOrder controls sort direction.
type SortOrder int

const (
	Ascending SortOrder = iota
	Descending
)

// Filter is a single predicate on a nested document field.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Result is one matched item: if the decoded document is a non-array
// object, Fields holds the document and Key with Fields gives
// `{key, ...document}`; otherwise Value holds the decoded value and
// IsPlain is true, giving `{key, value}`.
type Result struct {
	Key     string
	Fields  map[string]any
	Value   any
	IsPlain bool
}

// Builder accumulates query state before execution.
type Builder struct {
	be backend.Backend

	prefixFilter string
	hasPrefix    bool
	regexFilter  *regexp.Regexp
	filters      []Filter
	sortField    string
	sortOrder    SortOrder
	limit        int
	hasLimit     bool
	offset       int
	selectFields []string
}

// New constructs a Builder streaming from be.
func New(be backend.Backend) *Builder {
	return &Builder{be: be}
}

func (b *Builder) WithPrefix(prefix string) *Builder {
	b.prefixFilter = prefix
	b.hasPrefix = true
	return b
}

func (b *Builder) WithRegex(re *regexp.Regexp) *Builder {
	b.regexFilter = re
	return b
}

func (b *Builder) Where(field string, op Op, value any) *Builder {
	b.filters = append(b.filters, Filter{Field: field, Op: op, Value: value})
	return b
}

func (b *Builder) SortBy(field string, order SortOrder) *Builder {
	b.sortField = field
	b.sortOrder = order
	return b
}

func (b *Builder) Limit(n int) *Builder {
	b.limit = n
	b.hasLimit = true
	return b
}

func (b *Builder) Offset(n int) *Builder {
	b.offset = n
	return b
}

func (b *Builder) Select(fields ...string) *Builder {
	b.selectFields = fields
	return b
}

// canPushDown reports whether the query qualifies for backend push-down:
// a table backend, a prefix filter, no regex filter, and no value
// filters.
func (b *Builder) canPushDown() (*table.Backend, bool) {
	tb, ok := b.be.(*table.Backend)
	if !ok || !b.hasPrefix || b.regexFilter != nil || len(b.filters) > 0 {
		return nil, false
	}
	return tb, true
}

// Get executes the query and returns the matched, sorted, projected
// results.
func (b *Builder) Get(ctx context.Context) ([]Result, error) {
	if tb, ok := b.canPushDown(); ok && b.sortField == "key" && b.sortOrder == Ascending {
		return b.executePushDown(ctx, tb)
	}
	return b.executeStream(ctx)
}

func (b *Builder) executePushDown(ctx context.Context, tb *table.Backend) ([]Result, error) {
	entries, err := tb.RangeByKey(ctx, b.prefixFilter, b.limitForRange(), b.offset)
	if err != nil {
		return nil, fmt.Errorf("query: push-down range: %w", err)
	}
	out := make([]Result, 0, len(entries))
	for _, e := range entries {
		out = append(out, toResult(e.Key, codec.Decode(e.Value)))
	}
	return b.project(out), nil
}

func (b *Builder) limitForRange() int {
	if !b.hasLimit {
		return 0
	}
	return b.limit
}

// executeStream streams entries in key order, applying prefix → regex →
// value filters, with top-k bounded accumulation when both a sort and a
// small limit+offset (<1000) are set, or early exit when unsorted with a
// limit set.
func (b *Builder) executeStream(ctx context.Context) ([]Result, error) {
	seq, streamErr := b.be.StreamEntries(ctx)

	boundedTopK := b.sortField != "" && b.hasLimit && (b.limit+b.offset) < 1000
	earlyExit := b.sortField == "" && b.hasLimit

	var results []Result
	for e := range seq {
		if !b.accepts(e.Key) {
			continue
		}
		doc := codec.Decode(e.Value)
		if !b.matchesFilters(doc) {
			continue
		}
		results = append(results, toResult(e.Key, doc))

		if boundedTopK && len(results) > b.limit+b.offset {
			b.sortResults(results)
			results = results[:b.limit+b.offset]
		}
		if earlyExit && len(results) >= b.limit+b.offset {
			break
		}
	}
	if err := streamErr(); err != nil {
		return nil, fmt.Errorf("query: stream: %w", err)
	}

	if b.sortField != "" {
		b.sortResults(results)
	}
	results = applyOffsetLimit(results, b.offset, b.limit, b.hasLimit)
	return b.project(results), nil
}

func (b *Builder) accepts(key string) bool {
	if b.hasPrefix && !strings.HasPrefix(key, b.prefixFilter) {
		return false
	}
	if b.regexFilter != nil && !b.regexFilter.MatchString(key) {
		return false
	}
	return true
}

func (b *Builder) matchesFilters(doc any) bool {
	for _, f := range b.filters {
		if !matchFilter(doc, f) {
			return false
		}
	}
	return true
}

func applyOffsetLimit(results []Result, offset, limit int, hasLimit bool) []Result {
	if offset > 0 {
		if offset >= len(results) {
			return nil
		}
		results = results[offset:]
	}
	if hasLimit && limit < len(results) {
		results = results[:limit]
	}
	return results
}

func (b *Builder) sortResults(results []Result) {
	slices.SortStableFunc(results, func(a, c Result) int {
		va := fieldValue(a, b.sortField)
		vc := fieldValue(c, b.sortField)
		cmp, ok := compareOrdered(va, vc)
		if !ok {
			// Null/undefined sort to the end regardless of order.
			if sortsBefore(va, vc) {
				return -1
			}
			if sortsBefore(vc, va) {
				return 1
			}
			return 0
		}
		if b.sortOrder == Descending {
			return -cmp
		}
		return cmp
	})
}

func sortsBefore(vi, vj any) bool {
	iNil, jNil := vi == nil, vj == nil
	if iNil == jNil {
		return false
	}
	return jNil // i sorts before j only when j is nil and i is not
}

func (b *Builder) project(results []Result) []Result {
	if len(b.selectFields) == 0 {
		return results
	}
	projected := make([]Result, len(results))
	for i, r := range results {
		if r.IsPlain {
			projected[i] = r
			continue
		}
		fields := make(map[string]any, len(b.selectFields)+1)
		for _, f := range b.selectFields {
			if v, ok := r.Fields[f]; ok {
				fields[f] = v
			}
		}
		projected[i] = Result{Key: r.Key, Fields: fields}
	}
	return projected
}

// Count executes filters only and returns the match count.
func (b *Builder) Count(ctx context.Context) (int, error) {
	clone := *b
	clone.sortField = ""
	clone.hasLimit = false
	clone.offset = 0
	results, err := clone.executeStream(ctx)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// First executes with limit 1 and returns the first match, or nil.
func (b *Builder) First(ctx context.Context) (*Result, error) {
	clone := *b
	clone.limit = 1
	clone.hasLimit = true
	results, err := clone.Get(ctx)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// Exists reports whether First would return a non-nil result.
func (b *Builder) Exists(ctx context.Context) (bool, error) {
	r, err := b.First(ctx)
	if err != nil {
		return false, err
	}
	return r != nil, nil
}

// Pluck returns field's value from every matched result, skipping
// results where field is undefined.
func (b *Builder) Pluck(ctx context.Context, field string) ([]any, error) {
	results, err := b.Get(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(results))
	for _, r := range results {
		v := fieldValue(r, field)
		if v == nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func toResult(key string, doc any) Result {
	if m, ok := doc.(map[string]any); ok {
		return Result{Key: key, Fields: m}
	}
	return Result{Key: key, Value: doc, IsPlain: true}
}

func fieldValue(r Result, field string) any {
	if field == "key" {
		return r.Key
	}
	if r.IsPlain {
		if field == "value" {
			return r.Value
		}
		return nil
	}
	return resolvePath(r.Fields, field)
}

// resolvePath resolves a dotted nested path on a decoded document; any
// nil/absent intermediate yields nil.
func resolvePath(doc any, path string) any {
	cur := any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, present := m[part]
		if !present {
			return nil
		}
		if _, isUndef := v.(codec.Undefined); isUndef {
			return nil
		}
		cur = v
	}
	return cur
}

func matchFilter(doc any, f Filter) bool {
	fieldVal := resolvePath(doc, f.Field)
	switch f.Op {
	case OpEq, OpEqEq:
		return looseEqual(fieldVal, f.Value)
	case OpNeq:
		return !looseEqual(fieldVal, f.Value)
	case OpLt, OpLte, OpGt, OpGte:
		cmp, ok := compareOrdered(fieldVal, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpLt:
			return cmp < 0
		case OpLte:
			return cmp <= 0
		case OpGt:
			return cmp > 0
		default:
			return cmp >= 0
		}
	case OpContains:
		return strings.Contains(toStringCoerce(fieldVal), toStringCoerce(f.Value))
	case OpStartsWith:
		return strings.HasPrefix(toStringCoerce(fieldVal), toStringCoerce(f.Value))
	case OpEndsWith:
		return strings.HasSuffix(toStringCoerce(fieldVal), toStringCoerce(f.Value))
	case OpIn:
		return membership(fieldVal, f.Value)
	case OpNotIn:
		return !membership(fieldVal, f.Value)
	default:
		return false
	}
}

func membership(needle, haystack any) bool {
	items, ok := haystack.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(needle, item) {
			return true
		}
	}
	return false
}

func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && sameKind(a, b)
}

func sameKind(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toStringCoerce(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// compareOrdered compares two values of a comparable type, returning
// ok=false if they are not both numbers or both strings.
func compareOrdered(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}
