package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTracingTest creates a tracer provider with an in-memory exporter
func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	})
	return exporter, tp
}

func newTestCatalog(t *testing.T, opts ...CatalogOption) *Catalog {
	t.Helper()
	c, err := NewCatalog(NewEngine(carTypes), NewInMemoryQueryStore(), opts...)
	require.NoError(t, err)
	return c
}

// countingStore counts ListActive calls to observe caching
type countingStore struct {
	*InMemoryQueryStore
	lists int
}

func (s *countingStore) ListActive() ([]*SavedQuery, error) {
	s.lists++
	return s.InMemoryQueryStore.ListActive()
}

// failingStore fails every read
type failingStore struct {
	*InMemoryQueryStore
}

var errStoreDown = errors.New("store unavailable")

func (failingStore) Get(string) (*SavedQuery, error)    { return nil, errStoreDown }
func (failingStore) ListActive() ([]*SavedQuery, error) { return nil, errStoreDown }

func TestNewCatalogValidatesStoredQueries(t *testing.T) {
	store := NewInMemoryQueryStore()
	require.NoError(t, store.Add(&SavedQuery{ID: "ok", Query: And(NewRule("year", "=", "1969")), Active: true}))
	require.NoError(t, store.Add(&SavedQuery{ID: "inactive", Query: And(NewRule("owner", "=", "x")), Active: false}))

	_, err := NewCatalog(NewEngine(carTypes), store)
	require.NoError(t, err, "inactive queries are not validated")

	require.NoError(t, store.Add(&SavedQuery{ID: "broken", Query: And(NewRule("owner", "=", "x")), Active: true}))
	_, err = NewCatalog(NewEngine(carTypes), store)
	assert.ErrorIs(t, err, ErrUnresolvedOperator)
	assert.Contains(t, err.Error(), "broken")

	_, err = NewCatalog(NewEngine(carTypes), failingStore{NewInMemoryQueryStore()})
	assert.ErrorIs(t, err, errStoreDown)
}

func TestCatalogAddQuery(t *testing.T) {
	c := newTestCatalog(t)

	q := &SavedQuery{ID: "sixties", Name: "Sixties", Query: And(NewRule("year", "between", "1960, 1969")), Active: true}
	require.NoError(t, c.AddQuery(q))

	assert.ErrorIs(t, c.AddQuery(q), ErrQueryExists)

	err := c.AddQuery(&SavedQuery{ID: "bad", Query: &Query{Combinator: "xor"}, Active: true})
	assert.ErrorIs(t, err, ErrInvalidCombinator)
	_, err = c.GetQuery("bad")
	assert.ErrorIs(t, err, ErrQueryNotFound, "invalid queries are not stored")

	err = c.AddQuery(&SavedQuery{ID: "nil", Active: true})
	assert.ErrorIs(t, err, ErrNilQuery)
}

func TestCatalogUpdateAndDelete(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.AddQuery(&SavedQuery{ID: "q", Name: "q", Query: And(NewRule("year", "=", "1969")), Active: true}))

	err := c.UpdateQuery(&SavedQuery{ID: "q", Name: "q", Query: And(NewRule("year", "contains", "9")), Active: true})
	assert.ErrorIs(t, err, ErrUnresolvedOperator)

	require.NoError(t, c.UpdateQuery(&SavedQuery{ID: "q", Name: "q", Query: And(NewRule("year", "=", "1970")), Active: true}))
	result, err := c.Evaluate("q", mustang())
	require.NoError(t, err)
	assert.False(t, result.Matched)

	assert.ErrorIs(t, c.UpdateQuery(&SavedQuery{ID: "missing", Query: And()}), ErrQueryNotFound)

	require.NoError(t, c.DeleteQuery("q"))
	assert.ErrorIs(t, c.DeleteQuery("q"), ErrQueryNotFound)
	_, err = c.Evaluate("q", mustang())
	assert.ErrorIs(t, err, ErrQueryNotFound)
}

func TestCatalogEvaluate(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.AddQuery(&SavedQuery{
		ID:     "classic-ford",
		Name:   "Classic Ford",
		Query:  And(NewRule("make", "beginsWith", "ford"), NewRule("year", "<=", "1970")),
		Active: true,
	}))

	result, err := c.Evaluate("classic-ford", mustang())
	require.NoError(t, err)
	assert.Equal(t, "classic-ford", result.QueryID)
	assert.Equal(t, "Classic Ford", result.QueryName)
	assert.True(t, result.Matched)

	result, err = c.Evaluate("classic-ford", nil)
	assert.ErrorIs(t, err, ErrNilBusinessObject)
	require.NotNil(t, result)
	assert.ErrorIs(t, result.Error, ErrNilBusinessObject)
	assert.False(t, result.Matched)
}

func TestCatalogEvaluateAll(t *testing.T) {
	c := newTestCatalog(t)

	results, err := c.EvaluateAll(mustang())
	require.NoError(t, err)
	assert.Empty(t, results)

	for _, q := range []*SavedQuery{
		{ID: "ford", Name: "Fords", Query: And(NewRule("make", "contains", "ford")), Active: true},
		{ID: "camaro", Name: "Camaros", Query: And(NewRule("model", "=", "camaro")), Active: true},
		{ID: "off", Name: "Disabled", Query: And(), Active: false},
	} {
		require.NoError(t, c.AddQuery(q))
		time.Sleep(time.Millisecond)
	}

	results, err = c.EvaluateAll(mustang())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "ford", results[0].QueryID)
	assert.True(t, results[0].Matched)
	assert.Equal(t, "camaro", results[1].QueryID)
	assert.False(t, results[1].Matched)

	// a failure is reported per query
	results, err = c.EvaluateAll(nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.ErrorIs(t, r.Error, ErrNilBusinessObject)
	}
}

func TestCatalogEvaluateAllContinuesOnError(t *testing.T) {
	store := NewInMemoryQueryStore()
	c, err := NewCatalog(NewEngine(carTypes), store)
	require.NoError(t, err)

	// bypass validation to store a query the engine cannot evaluate
	require.NoError(t, store.Add(&SavedQuery{ID: "broken", Query: &Query{Combinator: "xor"}, Active: true}))
	time.Sleep(time.Millisecond)
	require.NoError(t, store.Add(&SavedQuery{ID: "ok", Query: And(NewRule("year", "=", "1969")), Active: true}))
	c.cache.Invalidate()

	results, err := c.EvaluateAll(mustang())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.ErrorIs(t, results[0].Error, ErrInvalidCombinator)
	assert.NoError(t, results[1].Error)
	assert.True(t, results[1].Matched)
}

func TestCatalogCachesActiveQueries(t *testing.T) {
	store := &countingStore{InMemoryQueryStore: NewInMemoryQueryStore()}
	c, err := NewCatalog(NewEngine(carTypes), store)
	require.NoError(t, err)
	assert.Equal(t, 1, store.lists, "NewCatalog primes the cache")

	for i := 0; i < 3; i++ {
		_, err := c.EvaluateAll(mustang())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.lists)

	require.NoError(t, c.AddQuery(&SavedQuery{ID: "q", Query: And(), Active: true}))
	results, err := c.EvaluateAll(mustang())
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, 2, store.lists, "AddQuery invalidates the cache")

	queries, err := c.ActiveQueries()
	require.NoError(t, err)
	assert.Len(t, queries, 1)
	assert.Equal(t, 2, store.lists)
}

func TestCatalogTracing(t *testing.T) {
	exporter, tp := setupTracingTest(t)
	c := newTestCatalog(t, WithTracer(tp.Tracer("test")))

	require.NoError(t, c.AddQuery(&SavedQuery{ID: "ford", Name: "Fords", Query: And(NewRule("make", "contains", "ford")), Active: true}))

	_, err := c.EvaluateAllContext(context.Background(), mustang())
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	var root, child *tracetest.SpanStub
	for i := range spans {
		switch spans[i].Name {
		case "querytree.evaluate_all":
			root = &spans[i]
		case "querytree.query":
			child = &spans[i]
		}
	}
	require.NotNil(t, root)
	require.NotNil(t, child)

	assert.Equal(t, root.SpanContext.SpanID(), child.Parent.SpanID())
	assert.Equal(t, codes.Ok, child.Status.Code)

	attrs := map[string]string{}
	for _, a := range child.Attributes {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	assert.Equal(t, "ford", attrs["query.id"])
	assert.Equal(t, "Fords", attrs["query.name"])
	assert.Equal(t, "true", attrs["query.matched"])

	exporter.Reset()
	_, err = c.EvaluateContext(context.Background(), "ford", nil)
	require.Error(t, err)

	spans = exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestCatalogMetrics(t *testing.T) {
	reader, provider := setupMetricsTest(t)
	c := newTestCatalog(t, WithMetrics(NewMetricsRecorder(provider)))

	require.NoError(t, c.AddQuery(&SavedQuery{ID: "ford", Query: And(NewRule("make", "contains", "ford")), Active: true}))
	_, err := c.Evaluate("ford", mustang())
	require.NoError(t, err)
	_, err = c.Evaluate("ford", BusinessObject{"make": "Chevrolet"})
	require.NoError(t, err)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumFor(t, rm, "querytree.query.evaluations", "ford"))
	assert.Equal(t, int64(1), sumFor(t, rm, "querytree.query.matches", "ford"))
}
