package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Catalog evaluates saved queries from a QueryStore with one Engine.
// Every query is validated against the engine's property types before it is stored.
type Catalog struct {
	engine  *Engine
	store   QueryStore
	cache   QueriesCache
	metrics MetricsRecorder
	tracer  trace.Tracer
}

// CatalogOption configures a Catalog
type CatalogOption func(*Catalog)

// WithCache replaces the default in-memory cache of active queries
func WithCache(cache QueriesCache) CatalogOption {
	return func(c *Catalog) {
		c.cache = cache
	}
}

// WithMetrics records every evaluation with recorder
func WithMetrics(recorder MetricsRecorder) CatalogOption {
	return func(c *Catalog) {
		c.metrics = recorder
	}
}

// WithTracer traces evaluations with tracer instead of the global provider's
func WithTracer(tracer trace.Tracer) CatalogOption {
	return func(c *Catalog) {
		c.tracer = tracer
	}
}

// NewCatalog creates a catalog and validates every active query already in store
func NewCatalog(engine *Engine, store QueryStore, opts ...CatalogOption) (*Catalog, error) {
	c := &Catalog{
		engine:  engine,
		store:   store,
		cache:   NewInMemoryQueriesCache(DefaultCacheConfig()),
		metrics: NoopMetrics{},
		tracer:  otel.Tracer("querytree"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.ValidateAll(); err != nil {
		return nil, err
	}

	return c, nil
}

// Engine returns the engine queries are evaluated with
func (c *Catalog) Engine() *Engine {
	return c.engine
}

// ValidateAll checks every active query against the engine and refreshes the cache
func (c *Catalog) ValidateAll() error {
	queries, err := c.store.ListActive()
	if err != nil {
		return err
	}

	for _, q := range queries {
		if err := c.engine.Validate(q.Query); err != nil {
			return fmt.Errorf("failed to validate query %s: %w", q.ID, err)
		}
	}

	c.cache.Set(queries)
	return nil
}

// AddQuery validates and stores a new query
func (c *Catalog) AddQuery(q *SavedQuery) error {
	if _, err := c.store.Get(q.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrQueryExists, q.ID)
	} else if !errors.Is(err, ErrQueryNotFound) {
		return err
	}

	if err := c.engine.Validate(q.Query); err != nil {
		return fmt.Errorf("query validation failed: %w", err)
	}

	if err := c.store.Add(q); err != nil {
		return err
	}

	c.cache.Invalidate()
	return nil
}

// UpdateQuery validates and replaces an existing query
func (c *Catalog) UpdateQuery(q *SavedQuery) error {
	if err := c.engine.Validate(q.Query); err != nil {
		return fmt.Errorf("query validation failed: %w", err)
	}

	if err := c.store.Update(q); err != nil {
		return err
	}

	c.cache.Invalidate()
	return nil
}

// DeleteQuery removes a query
func (c *Catalog) DeleteQuery(id string) error {
	if err := c.store.Delete(id); err != nil {
		return err
	}

	c.cache.Invalidate()
	return nil
}

// GetQuery returns a stored query
func (c *Catalog) GetQuery(id string) (*SavedQuery, error) {
	return c.store.Get(id)
}

// ActiveQueries returns the active queries, from cache when possible
func (c *Catalog) ActiveQueries() ([]*SavedQuery, error) {
	if queries := c.cache.Get(); queries != nil {
		return queries, nil
	}

	queries, err := c.store.ListActive()
	if err != nil {
		return nil, err
	}
	c.cache.Set(queries)
	return queries, nil
}

// Evaluate runs one saved query against object.
// On evaluation failure both the result (carrying the error) and the error are returned.
func (c *Catalog) Evaluate(id string, object BusinessObject) (*EvaluationResult, error) {
	return c.EvaluateContext(context.Background(), id, object)
}

// EvaluateContext is Evaluate with a parent context for tracing
func (c *Catalog) EvaluateContext(ctx context.Context, id string, object BusinessObject) (*EvaluationResult, error) {
	q, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}

	result := c.evaluate(ctx, q, object)
	return result, result.Error
}

// EvaluateAll runs every active query against object.
// A failing query is reported in its result and does not stop the others.
func (c *Catalog) EvaluateAll(object BusinessObject) ([]*EvaluationResult, error) {
	return c.EvaluateAllContext(context.Background(), object)
}

// EvaluateAllContext is EvaluateAll with a parent context for tracing
func (c *Catalog) EvaluateAllContext(ctx context.Context, object BusinessObject) ([]*EvaluationResult, error) {
	ctx, span := c.tracer.Start(ctx, "querytree.evaluate_all", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	queries, err := c.ActiveQueries()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("query.count", len(queries)))

	results := make([]*EvaluationResult, 0, len(queries))
	for _, q := range queries {
		results = append(results, c.evaluate(ctx, q, object))
	}
	return results, nil
}

func (c *Catalog) evaluate(ctx context.Context, q *SavedQuery, object BusinessObject) *EvaluationResult {
	ctx, span := c.tracer.Start(ctx, "querytree.query",
		trace.WithAttributes(
			attribute.String("query.id", q.ID),
			attribute.String("query.name", q.Name),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	start := time.Now()
	matched, err := c.engine.Execute(object, q.Query)
	c.metrics.RecordEvaluation(ctx, q.ID, matched, time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Bool("query.matched", matched))
		span.SetStatus(codes.Ok, "")
	}

	return &EvaluationResult{
		QueryID:   q.ID,
		QueryName: q.Name,
		Matched:   matched,
		Error:     err,
	}
}
