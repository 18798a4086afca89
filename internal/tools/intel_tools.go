package tools

import (
	"context"
	"encoding/json"

	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
	"github.com/datagen24/dshield-mcp-sub001/internal/dispatch"
	"github.com/datagen24/dshield-mcp-sub001/internal/intel"
)

func enrichIndicatorTool(deps Deps) dispatch.ToolDefinition {
	type params struct {
		Indicator string `json:"indicator"`
	}
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"indicator": {"type": "string", "minLength": 1}
		},
		"required": ["indicator"],
		"additionalProperties": false
	}`)
	return dispatch.ToolDefinition{
		Name:         "enrich_indicator",
		Description:  "Look an indicator up across every configured threat-intel source and merge the answers.",
		InputSchema:  schema,
		Dependencies: []string{intel.DependencyName},
		Handler: func(ctx context.Context, args json.RawMessage) (*contracts.ToolResult, error) {
			var p params
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}
			ind, err := contracts.ParseIndicator(p.Indicator)
			if err != nil {
				return nil, err
			}
			res, err := deps.Enricher.Enrich(ctx, ind)
			if err != nil {
				return nil, err
			}
			return contracts.JSONResult(res)
		},
	}
}
