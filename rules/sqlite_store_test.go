package rules_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/querytree/rules"
)

func newSQLiteStore(t *testing.T) *rules.SQLiteQueryStore {
	t.Helper()
	store, err := rules.NewSQLiteQueryStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteQueryStore_CRUD(t *testing.T) {
	store := newSQLiteStore(t)

	query := rules.And(
		rules.NewRule("year", "between", "1965, 1969"),
		&rules.RuleGroup{Combinator: rules.CombinatorOr, Not: true, Rules: []rules.Node{
			rules.NewRule("make", "contains", "chevrolet"),
		}},
	)
	saved := &rules.SavedQuery{ID: "q1", Name: "sixties", Query: query, Active: true}
	require.NoError(t, store.Add(saved))
	assert.False(t, saved.CreatedAt.IsZero())

	got, err := store.Get("q1")
	require.NoError(t, err)
	assert.Equal(t, "sixties", got.Name)
	assert.True(t, got.Active)
	assert.True(t, got.CreatedAt.Equal(saved.CreatedAt))
	if diff := cmp.Diff(query, got.Query); diff != "" {
		t.Errorf("stored query tree changed (-want +got):\n%s", diff)
	}

	time.Sleep(time.Millisecond)
	saved.Name = "late sixties"
	saved.Active = false
	require.NoError(t, store.Update(saved))

	got, err = store.Get("q1")
	require.NoError(t, err)
	assert.Equal(t, "late sixties", got.Name)
	assert.False(t, got.Active)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))

	require.NoError(t, store.Delete("q1"))
	_, err = store.Get("q1")
	assert.ErrorIs(t, err, rules.ErrQueryNotFound)
}

func TestSQLiteQueryStore_Errors(t *testing.T) {
	store := newSQLiteStore(t)

	q := &rules.SavedQuery{ID: "dup", Name: "dup", Query: rules.And(), Active: true}
	require.NoError(t, store.Add(q))
	assert.ErrorIs(t, store.Add(q), rules.ErrQueryExists)

	assert.ErrorIs(t, store.Update(&rules.SavedQuery{ID: "missing", Query: rules.And()}), rules.ErrQueryNotFound)
	assert.ErrorIs(t, store.Delete("missing"), rules.ErrQueryNotFound)
}

func TestSQLiteQueryStore_ListActive(t *testing.T) {
	store := newSQLiteStore(t)

	for _, id := range []string{"third", "first", "inactive", "second"} {
		require.NoError(t, store.Add(&rules.SavedQuery{ID: id, Name: id, Query: rules.And(), Active: id != "inactive"}))
		time.Sleep(time.Millisecond)
	}

	active, err := store.ListActive()
	require.NoError(t, err)

	var ids []string
	for _, q := range active {
		ids = append(ids, q.ID)
	}
	assert.Equal(t, []string{"third", "first", "second"}, ids)
}

func TestSQLiteQueryStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queries.db")

	first, err := rules.NewSQLiteQueryStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.Add(&rules.SavedQuery{
		ID:     "kept",
		Name:   "kept",
		Query:  rules.Or(rules.NewRule("year", "in", "1967, 1969")),
		Active: true,
	}))
	require.NoError(t, first.Close())

	second, err := rules.NewSQLiteQueryStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Get("kept")
	require.NoError(t, err)
	assert.Equal(t, rules.CombinatorOr, got.Query.Combinator)
	require.Len(t, got.Query.Rules, 1)
	assert.Equal(t, rules.NewRule("year", "in", "1967, 1969"), got.Query.Rules[0])
}

func TestSQLiteQueryStore_Closed(t *testing.T) {
	store, err := rules.NewSQLiteQueryStore(":memory:")
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())

	_, err = store.Get("q")
	assert.ErrorIs(t, err, rules.ErrStoreClosed)
	assert.ErrorIs(t, store.Add(&rules.SavedQuery{ID: "q", Query: rules.And()}), rules.ErrStoreClosed)
	_, err = store.ListActive()
	assert.ErrorIs(t, err, rules.ErrStoreClosed)
}

func TestSQLiteQueryStore_InvalidPath(t *testing.T) {
	_, err := rules.NewSQLiteQueryStore("/nonexistent/path/queries.db")
	assert.Error(t, err)
}

func TestSQLiteQueryStore_Concurrent(t *testing.T) {
	store := newSQLiteStore(t)

	const numGoroutines = 20

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(n int) {
			defer wg.Done()
			id := "q-" + string(rune('a'+n))
			assert.NoError(t, store.Add(&rules.SavedQuery{ID: id, Name: id, Query: rules.And(), Active: true}))
			_, err := store.ListActive()
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	active, err := store.ListActive()
	require.NoError(t, err)
	assert.Len(t, active, numGoroutines)
}

func TestCatalog_WithSQLite(t *testing.T) {
	store := newSQLiteStore(t)

	engine := rules.NewEngine(rules.PropertyTypeMap{"year": rules.Integer})
	catalog, err := rules.NewCatalog(engine, store)
	require.NoError(t, err)

	require.NoError(t, catalog.AddQuery(&rules.SavedQuery{
		ID:     "sixties",
		Name:   "sixties",
		Query:  rules.And(rules.NewRule("year", "between", "1960, 1969")),
		Active: true,
	}))

	result, err := catalog.Evaluate("sixties", rules.BusinessObject{"year": 1969})
	require.NoError(t, err)
	assert.True(t, result.Matched)
}
