package tools

import (
	"context"
	"iter"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/NERVsystems/tilestream/pkg/core"
	"github.com/NERVsystems/tilestream/pkg/element"
	"github.com/NERVsystems/tilestream/pkg/geo"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 500
)

// SearchByTagInput is an exact tag query.
type SearchByTagInput struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Limit int    `json:"limit,omitempty"`
}

// SearchByTextInput is a substring query over the values of one key.
type SearchByTextInput struct {
	Key   string `json:"key"`
	Text  string `json:"text"`
	Limit int    `json:"limit,omitempty"`
}

// ElementResult is one search hit.
type ElementResult struct {
	Kind    string          `json:"kind"`
	ID      int64           `json:"id"`
	Tags    element.Tags    `json:"tags,omitempty"`
	Point   *geo.Coordinate `json:"point,omitempty"`
	Nodes   int             `json:"nodes,omitempty"`
	Members int             `json:"members,omitempty"`
}

// SearchOutput lists search hits.
type SearchOutput struct {
	Results   []ElementResult `json:"results"`
	Count     int             `json:"count"`
	Truncated bool            `json:"truncated"`
}

// SearchByTagTool returns the search_by_tag tool definition.
func SearchByTagTool() mcp.Tool {
	return mcp.NewTool("search_by_tag",
		mcp.WithDescription("Find elements of the loaded map data carrying an exact tag, e.g. amenity=cafe"),
		mcp.WithString("key",
			mcp.Required(),
			mcp.Description("Tag key"),
		),
		mcp.WithString("value",
			mcp.Required(),
			mcp.Description("Tag value"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results"),
			mcp.DefaultNumber(defaultSearchLimit),
		),
	)
}

// SearchByTextTool returns the search_by_text tool definition.
func SearchByTextTool() mcp.Tool {
	return mcp.NewTool("search_by_text",
		mcp.WithDescription("Find elements whose value for a tag key contains the given text, e.g. name containing \"Tor\""),
		mcp.WithString("key",
			mcp.Required(),
			mcp.Description("Tag key"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text the tag value must contain"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results"),
			mcp.DefaultNumber(defaultSearchLimit),
		),
	)
}

// HandleSearchByTag runs an exact tag search.
func (r *Registry) HandleSearchByTag(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput(r.logger, "search_by_tag", func(ctx context.Context, input SearchByTagInput, logger *slog.Logger) (any, error) {
		limit, err := searchLimit(input.Limit)
		if err != nil {
			return nil, err
		}
		seq, err := r.deps.Search.SearchByTag(ctx, input.Key, input.Value)
		if err != nil {
			return nil, err
		}
		return collect(seq, limit)
	})(ctx, req)
}

// HandleSearchByText runs a substring search.
func (r *Registry) HandleSearchByText(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return WithParsedInput(r.logger, "search_by_text", func(ctx context.Context, input SearchByTextInput, logger *slog.Logger) (any, error) {
		limit, err := searchLimit(input.Limit)
		if err != nil {
			return nil, err
		}
		if input.Text == "" {
			return nil, core.NewValidationError(core.ErrMissingParameter, "text is required")
		}
		seq, err := r.deps.Search.SearchByText(ctx, input.Key, input.Text)
		if err != nil {
			return nil, err
		}
		return collect(seq, limit)
	})(ctx, req)
}

func searchLimit(limit int) (int, error) {
	switch {
	case limit == 0:
		return defaultSearchLimit, nil
	case limit < 0 || limit > maxSearchLimit:
		return 0, core.NewValidationError(core.ErrInvalidParameter, "limit must be between 1 and 500")
	default:
		return limit, nil
	}
}

// collect reads at most limit hits; the rest of the sequence is never decoded.
func collect(seq iter.Seq2[element.Element, error], limit int) (SearchOutput, error) {
	out := SearchOutput{Results: []ElementResult{}}
	for e, err := range seq {
		if err != nil {
			return SearchOutput{}, err
		}
		if len(out.Results) == limit {
			out.Truncated = true
			break
		}
		out.Results = append(out.Results, resultOf(e))
	}
	out.Count = len(out.Results)
	return out, nil
}

func resultOf(e element.Element) ElementResult {
	res := ElementResult{
		Kind: e.Kind().String(),
		ID:   e.ElementID(),
		Tags: e.ElementTags(),
	}
	switch el := e.(type) {
	case *element.Node:
		c := el.Coordinate
		res.Point = &c
	case *element.Way:
		res.Nodes = len(el.NodeIDs)
	case *element.Relation:
		res.Members = len(el.Members)
	}
	return res
}
