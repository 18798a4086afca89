package query

// Optimization names reported back to the caller in the order applied.
const (
	OptFieldProjection = "field_projection"
	OptAggregation     = "aggregation_conversion"
	OptReducedSize     = "reduced_page_size"
	OptStreamingHint   = "streaming_fallback"
	OptCursorRewrite   = "deep_pagination_cursor_rewrite"
)

// prioritySet is the projection applied when the caller supplied no
// field list and the estimate is over budget.
var prioritySet = []string{
	"@timestamp", "source.ip", "source_ip", "destination.ip", "destination_ip",
	"destination.port", "destination_port", "event.category", "eventid",
	"threat.technique.id", "user_name", "session_id",
}

// plan is the optimizer's decision for one search.
type plan struct {
	Size          int
	Fields        []string
	UseAggregation bool
	StreamingOnly bool
	Applied       []string
	EstimateBytes int
}

// projectionRatio approximates how much of a document a field list keeps.
func projectionRatio(fields []string) float64 {
	if len(fields) == 0 {
		return 1.0
	}
	ratio := float64(len(fields)) / 20.0
	if ratio > 1.0 {
		return 1.0
	}
	if ratio < 0.05 {
		return 0.05
	}
	return ratio
}

func (e *Engine) estimate(size int, fields []string) int {
	return int(float64(size) * float64(e.cfg.AverageDocBytes) * projectionRatio(fields))
}

// optimize applies the reduction ladder until the estimated result size
// fits the budget: projection, aggregation conversion when the tool
// permits it, page-size reduction, and finally a streaming fallback.
func (e *Engine) optimize(size int, fields []string, allowAggregation bool) plan {
	p := plan{Size: size, Fields: fields}
	p.EstimateBytes = e.estimate(p.Size, p.Fields)
	budget := e.cfg.ResultBudgetBytes
	if p.EstimateBytes <= budget {
		return p
	}

	if len(p.Fields) == 0 {
		p.Fields = prioritySet
		p.Applied = append(p.Applied, OptFieldProjection)
		p.EstimateBytes = e.estimate(p.Size, p.Fields)
		if p.EstimateBytes <= budget {
			return p
		}
	}

	if allowAggregation {
		p.UseAggregation = true
		p.Applied = append(p.Applied, OptAggregation)
		return p
	}

	reduced := int(float64(budget) / (float64(e.cfg.AverageDocBytes) * projectionRatio(p.Fields)))
	if reduced >= 1 && reduced < p.Size {
		p.Size = reduced
		p.Applied = append(p.Applied, OptReducedSize)
		p.EstimateBytes = e.estimate(p.Size, p.Fields)
		return p
	}

	p.StreamingOnly = true
	p.Applied = append(p.Applied, OptStreamingHint)
	return p
}
