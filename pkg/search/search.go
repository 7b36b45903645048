// Package search answers tag queries against the locally indexed element
// source.
package search

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NERVsystems/tilestream/pkg/core"
	"github.com/NERVsystems/tilestream/pkg/element"
	"github.com/NERVsystems/tilestream/pkg/index"
	"github.com/NERVsystems/tilestream/pkg/monitoring"
	"github.com/NERVsystems/tilestream/pkg/source"
	"github.com/NERVsystems/tilestream/pkg/tracing"
)

// ErrSearchNotSupported is wrapped by the error returned when the active
// source has no tag index.
var ErrSearchNotSupported = errors.New("search not supported by the active element source")

// Search types used in metrics and spans.
const (
	TypeTag  = "tag"
	TypeText = "text"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine runs searches against the source handed out by a provider.
type Engine struct {
	provider source.Provider
	logger   *slog.Logger
}

// NewEngine creates a search engine.
func NewEngine(provider source.Provider, opts ...Option) *Engine {
	e := &Engine{
		provider: provider,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "search")
	return e
}

// SearchByTag returns the elements tagged key=value, decoded as the sequence
// is consumed. An empty value matches every value of key.
func (e *Engine) SearchByTag(ctx context.Context, key, value string) (iter.Seq2[element.Element, error], error) {
	x, err := e.prepare(ctx, TypeTag, key)
	if err != nil {
		return nil, err
	}
	return e.walk(ctx, x, TypeTag, key, value, x.Kv.Search(key, value)), nil
}

// SearchByText returns the elements whose value for key contains text,
// ignoring case.
func (e *Engine) SearchByText(ctx context.Context, key, text string) (iter.Seq2[element.Element, error], error) {
	x, err := e.prepare(ctx, TypeText, key)
	if err != nil {
		return nil, err
	}
	return e.walk(ctx, x, TypeText, key, text, x.Kv.SearchText(key, text)), nil
}

func (e *Engine) prepare(ctx context.Context, searchType, key string) (*index.Index, error) {
	if key == "" {
		monitoring.RecordSearch(searchType, false)
		return nil, core.NewError(core.ErrMissingParameter, "tag key is required")
	}
	x, err := e.index(ctx)
	if err != nil {
		monitoring.RecordSearch(searchType, false)
		return nil, err
	}
	return x, nil
}

func (e *Engine) index(ctx context.Context) (*index.Index, error) {
	src, err := e.provider.Source(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting element source: %w", err)
	}

	notSupported := core.NewError(core.ErrSearchNotSupported, "the active element source has no tag index").
		WithGuidance("Start the server with a local OSM file to search by tag").
		WithCause(ErrSearchNotSupported)

	indexed, ok := src.(source.Indexed)
	if !ok {
		return nil, notSupported
	}
	x, ok := indexed.Index()
	if !ok {
		return nil, notSupported
	}
	return x, nil
}

// walk follows each matching pair through kv store, usage list and element
// store.
func (e *Engine) walk(ctx context.Context, x *index.Index, searchType, key, value string, pairs iter.Seq2[index.Pair, error]) iter.Seq2[element.Element, error] {
	return func(yield func(element.Element, error) bool) {
		ctx, span := tracing.StartSpan(ctx, "search.by_"+searchType,
			trace.WithAttributes(
				attribute.String(tracing.AttrSearchKey, key),
				attribute.String(tracing.AttrSearchValue, value),
			),
		)
		defer span.End()

		results := 0
		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "search failed")
			monitoring.RecordSearch(searchType, false)
			yield(nil, err)
		}

		for p, err := range pairs {
			if err != nil {
				fail(err)
				return
			}
			offsets, err := x.Offsets(p)
			if err != nil {
				fail(err)
				return
			}
			for _, off := range offsets {
				if err := ctx.Err(); err != nil {
					fail(err)
					return
				}
				el, err := x.Elements.Get(off)
				if err != nil {
					fail(fmt.Errorf("decoding element at %d for %s: %w", off, p, err))
					return
				}
				results++
				if !yield(el, nil) {
					span.SetAttributes(attribute.Int(tracing.AttrSearchResults, results))
					monitoring.RecordSearch(searchType, true)
					return
				}
			}
		}

		span.SetAttributes(attribute.Int(tracing.AttrSearchResults, results))
		span.SetStatus(codes.Ok, "")
		monitoring.RecordSearch(searchType, true)
		e.logger.Debug("search finished", "type", searchType, "key", key, "value", value, "results", results)
	}
}
