package query

import (
	"time"

	"github.com/datagen24/dshield-mcp-sub001/internal/siem"
)

// Filter is the caller-facing query surface shared by every event tool.
type Filter struct {
	Start time.Time
	End   time.Time

	SourceIPs        []string
	DestinationIPs   []string
	DestinationPorts []int
	Categories       []string

	// Terms are exact matches on arbitrary fields.
	Terms map[string]interface{}
}

// aliasTerms matches any of the field aliases a value may be stored
// under, since honeypot and ECS indices disagree on naming.
func aliasTerms(fields []string, values []interface{}) siem.Expr {
	should := make([]siem.Expr, 0, len(fields))
	for _, f := range fields {
		should = append(should, siem.TermsExpr{Field: f, Values: values})
	}
	return siem.BoolExpr{Should: should, MinimumShouldMatch: 1}
}

func toValues[T any](in []T) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, v := range in {
		out = append(out, v)
	}
	return out
}

// Expr renders the filter into the store DSL.
func (f Filter) Expr() siem.Expr {
	var clauses []siem.Expr
	if !f.Start.IsZero() && !f.End.IsZero() {
		clauses = append(clauses, siem.TimeWindow(f.Start, f.End))
	}
	if len(f.SourceIPs) > 0 {
		clauses = append(clauses, aliasTerms(
			[]string{"source.ip", "source_ip", "src_ip"}, toValues(f.SourceIPs)))
	}
	if len(f.DestinationIPs) > 0 {
		clauses = append(clauses, aliasTerms(
			[]string{"destination.ip", "destination_ip", "dst_ip"}, toValues(f.DestinationIPs)))
	}
	if len(f.DestinationPorts) > 0 {
		clauses = append(clauses, aliasTerms(
			[]string{"destination.port", "destination_port", "dst_port"}, toValues(f.DestinationPorts)))
	}
	if len(f.Categories) > 0 {
		clauses = append(clauses, aliasTerms(
			[]string{"event.category", "eventid", "category"}, toValues(f.Categories)))
	}
	for field, value := range f.Terms {
		clauses = append(clauses, siem.TermExpr{Field: field, Value: value})
	}
	if len(clauses) == 0 {
		return siem.MatchAllExpr{}
	}
	return siem.BoolExpr{Filter: clauses}
}
