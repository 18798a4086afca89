// Package siem is the typed client for the Elasticsearch-backed event
// store: a small query DSL, search with offset and cursor pagination,
// aggregations, mappings, and index-pattern discovery.
package siem

import "time"

// Expr is a query expression that serializes to the store's JSON query
// language. The closed set of constructors below is the whole DSL.
type Expr interface {
	// Render returns the JSON-ready representation of the expression.
	Render() map[string]interface{}
}

// BoolExpr combines sub-expressions with bool semantics.
type BoolExpr struct {
	Must    []Expr
	Filter  []Expr
	Should  []Expr
	MustNot []Expr
	// MinimumShouldMatch applies when Should is non-empty.
	MinimumShouldMatch int
}

// Render implements Expr
func (b BoolExpr) Render() map[string]interface{} {
	clause := map[string]interface{}{}
	renderAll := func(exprs []Expr) []interface{} {
		out := make([]interface{}, 0, len(exprs))
		for _, e := range exprs {
			out = append(out, e.Render())
		}
		return out
	}
	if len(b.Must) > 0 {
		clause["must"] = renderAll(b.Must)
	}
	if len(b.Filter) > 0 {
		clause["filter"] = renderAll(b.Filter)
	}
	if len(b.Should) > 0 {
		clause["should"] = renderAll(b.Should)
		if b.MinimumShouldMatch > 0 {
			clause["minimum_should_match"] = b.MinimumShouldMatch
		}
	}
	if len(b.MustNot) > 0 {
		clause["must_not"] = renderAll(b.MustNot)
	}
	return map[string]interface{}{"bool": clause}
}

// TermExpr matches an exact field value.
type TermExpr struct {
	Field string
	Value interface{}
}

// Render implements Expr
func (t TermExpr) Render() map[string]interface{} {
	return map[string]interface{}{"term": map[string]interface{}{t.Field: t.Value}}
}

// TermsExpr matches any of a set of exact values.
type TermsExpr struct {
	Field  string
	Values []interface{}
}

// Render implements Expr
func (t TermsExpr) Render() map[string]interface{} {
	return map[string]interface{}{"terms": map[string]interface{}{t.Field: t.Values}}
}

// RangeExpr bounds a field. Nil bounds are omitted.
type RangeExpr struct {
	Field string
	GTE   interface{}
	GT    interface{}
	LTE   interface{}
	LT    interface{}
}

// Render implements Expr
func (r RangeExpr) Render() map[string]interface{} {
	bounds := map[string]interface{}{}
	if r.GTE != nil {
		bounds["gte"] = r.GTE
	}
	if r.GT != nil {
		bounds["gt"] = r.GT
	}
	if r.LTE != nil {
		bounds["lte"] = r.LTE
	}
	if r.LT != nil {
		bounds["lt"] = r.LT
	}
	return map[string]interface{}{"range": map[string]interface{}{r.Field: bounds}}
}

// PrefixExpr matches values starting with a prefix.
type PrefixExpr struct {
	Field  string
	Prefix string
}

// Render implements Expr
func (p PrefixExpr) Render() map[string]interface{} {
	return map[string]interface{}{"prefix": map[string]interface{}{p.Field: p.Prefix}}
}

// ExistsExpr matches documents carrying the field.
type ExistsExpr struct {
	Field string
}

// Render implements Expr
func (e ExistsExpr) Render() map[string]interface{} {
	return map[string]interface{}{"exists": map[string]interface{}{"field": e.Field}}
}

// MatchAllExpr matches every document.
type MatchAllExpr struct{}

// Render implements Expr
func (MatchAllExpr) Render() map[string]interface{} {
	return map[string]interface{}{"match_all": map[string]interface{}{}}
}

// TimeWindow builds the canonical timestamp range filter.
func TimeWindow(start, end time.Time) RangeExpr {
	return RangeExpr{
		Field: "@timestamp",
		GTE:   start.UTC().Format(time.RFC3339),
		LT:    end.UTC().Format(time.RFC3339),
	}
}

// SortOrder is asc or desc.
type SortOrder string

// Sort orders.
const (
	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"
)

// SortField is one component of a composite sort.
type SortField struct {
	Field string
	Order SortOrder
}

func renderSort(sorts []SortField) []interface{} {
	out := make([]interface{}, 0, len(sorts))
	for _, s := range sorts {
		out = append(out, map[string]interface{}{s.Field: map[string]interface{}{"order": string(s.Order)}})
	}
	return out
}
