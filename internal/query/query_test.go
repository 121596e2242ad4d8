package query

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docvault/internal/canonical"
	"github.com/sells-group/docvault/internal/config"
	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/search"
	"github.com/sells-group/docvault/internal/store"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, text string, hints Hints) (*model.StructuredQuery, error) {
	args := m.Called(ctx, text, hints)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StructuredQuery), args.Error(1)
}

type fakeSearcher struct {
	doc search.Document
}

func (f *fakeSearcher) Index(context.Context, string, search.Document) (string, error) { return "", nil }
func (f *fakeSearcher) Delete(context.Context, string) error                         { return nil }
func (f *fakeSearcher) Search(_ context.Context, doc search.Document) (json.RawMessage, error) {
	f.doc = doc
	return json.RawMessage(`{"hits":{"hits":[]}}`), nil
}

var testQueryConfig = config.QueryConfig{CacheTTLHours: 1, MinSuccessRate: 0.5, SuccessDecay: 0.5}

func newTestService(t *testing.T, gen Generator) (*Service, *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	for _, tmpl := range []*model.Template{
		{Name: "Invoice", Fields: model.Schema{
			model.NumberField{FieldBase: model.FieldBase{Name: "invoice_total"}, Currency: true},
			model.TextField{FieldBase: model.FieldBase{Name: "vendor"}},
		}},
		{Name: "Receipt", Fields: model.Schema{
			model.NumberField{FieldBase: model.FieldBase{Name: "payment_amount"}, Currency: true},
		}},
	} {
		_, err := st.UpsertTemplate(ctx, tmpl)
		require.NoError(t, err)
	}
	revenue, err := st.UpsertCanonicalMapping(ctx, &model.CanonicalFieldMapping{
		CanonicalName: "revenue",
		FieldMappings: map[string]string{"Invoice": "invoice_total", "Receipt": "payment_amount"},
		Aggregation:   model.AggregateSum,
		IsActive:      true,
	})
	require.NoError(t, err)
	_, err = st.AddCanonicalAlias(ctx, revenue.ID, "sales")
	require.NoError(t, err)

	return New(st, canonical.New(st), gen, nil, testQueryConfig), st
}

func TestGeneralize(t *testing.T) {
	tests := []struct {
		in      string
		pattern string
		params  []Param
	}{
		{
			in:      "Invoices over $1,200.50 from ACME?",
			pattern: "invoices over {money} from acme",
			params:  []Param{{Type: ParamMoney, Value: "1200.5"}},
		},
		{
			in:      "receipts between 2024-01-31 and 3/4/2025",
			pattern: "receipts between {date} and {date}",
			params:  []Param{{Type: ParamDate, Value: "2024-01-31"}, {Type: ParamDate, Value: "3/4/2025"}},
		},
		{
			in:      "Total  sales in 2024",
			pattern: "total sales in {year}",
			params:  []Param{{Type: ParamYear, Value: "2024"}},
		},
		{
			in:      `top 10 invoices from "Acme Corp"`,
			pattern: "top {num} invoices from {str}",
			params:  []Param{{Type: ParamNumber, Value: "10"}, {Type: ParamString, Value: "Acme Corp"}},
		},
		{
			in:      "what's the vendor's latest invoice",
			pattern: "what's the vendor's latest invoice",
		},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			pattern, params := Generalize(tt.in)
			assert.Equal(t, tt.pattern, pattern)
			assert.Equal(t, tt.params, params)
		})
	}
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("Invoices over $1,000?", map[string]string{"template": "Invoice", "year": "2024"})
	b := CacheKey("  invoices   OVER $1,000 ", map[string]string{"year": "2024", "template": "Invoice"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, CacheKey("invoices over $1,000", map[string]string{"year": "2023", "template": "Invoice"}))
	assert.NotEqual(t, a, CacheKey("invoices over $2,000", map[string]string{"year": "2024", "template": "Invoice"}))
}

func TestDetectTemplate(t *testing.T) {
	templates := []model.Template{{Name: "Invoice"}, {Name: "Purchase Order"}, {Name: "Order"}}
	assert.Equal(t, "Invoice", DetectTemplate("show INVOICES over $5", templates))
	assert.Equal(t, "Purchase Order", DetectTemplate("open purchase orders", templates))
	assert.Equal(t, "Order", DetectTemplate("orders this week", templates))
	assert.Empty(t, DetectTemplate("invoicing rules", templates))
}

func TestSkeletonizeAndBind(t *testing.T) {
	q := model.StructuredQuery{
		Templates: []string{"Invoice"},
		Filters: []model.QueryFilter{
			{Field: "invoice_total", Op: model.OpGt, Value: 1000.0},
			{Field: "invoice_date", Op: model.OpGte, Value: "2024-01-01"},
			{Field: "vendor", Op: model.OpEq, Value: "ACME"},
		},
	}
	_, lits := Generalize(`invoices over $1,000 since 2024 from "ACME"`)
	require.Len(t, lits, 3)

	skel, err := Skeletonize(q, lits)
	require.NoError(t, err)
	assert.Equal(t, "{{#0}}", skel.Filters[0].Value)
	assert.Equal(t, "{{1}}-01-01", skel.Filters[1].Value)
	assert.Equal(t, "{{2}}", skel.Filters[2].Value)
	assert.Equal(t, 1000.0, q.Filters[0].Value, "input untouched")

	_, other := Generalize(`invoices over $2,500 since 2023 from "Globex"`)
	bound, err := Bind(skel, other)
	require.NoError(t, err)
	assert.Equal(t, 2500.0, bound.Filters[0].Value)
	assert.Equal(t, "2023-01-01", bound.Filters[1].Value)
	assert.Equal(t, "Globex", bound.Filters[2].Value)

	_, err = Bind(skel, other[:1])
	require.Error(t, err)
	assert.True(t, model.IsCacheMiss(err))
}

func TestSkeletonize_YearAndLimit(t *testing.T) {
	q := model.StructuredQuery{
		Templates:    []string{"Invoice"},
		Filters:      []model.QueryFilter{{Field: "fiscal_year", Op: model.OpEq, Value: 2024.0}},
		Aggregations: []model.QueryAggregation{{Name: "total_2024", Op: model.AggregateSum, Field: "invoice_total"}},
		Limit:        10,
	}
	pattern, lits := Generalize("top 10 invoices from 2024")
	assert.Equal(t, "top {num} invoices from {year}", pattern)

	skel, err := Skeletonize(q, lits)
	require.NoError(t, err)
	assert.Equal(t, "{{#1}}", skel.Filters[0].Value)
	assert.Equal(t, "total_{{1}}", skel.Aggregations[0].Name)
	require.NotNil(t, skel.LimitParam)
	assert.Zero(t, skel.Limit)

	otherPattern, other := Generalize("top 5 invoices from 2023")
	assert.Equal(t, pattern, otherPattern)
	bound, err := Bind(skel, other)
	require.NoError(t, err)
	assert.Equal(t, 2023.0, bound.Filters[0].Value)
	assert.Equal(t, "total_2023", bound.Aggregations[0].Name)
	assert.Equal(t, 5, bound.Limit)
}

func TestSkeletonize_RefusesUnplacedLiteral(t *testing.T) {
	// The model hard-coded the limit without echoing the question's number.
	q := model.StructuredQuery{Templates: []string{"Invoice"}, Limit: 20}
	_, lits := Generalize("top 10 invoices")
	_, err := Skeletonize(q, lits)
	require.Error(t, err)
}

func invoicesOver(amount float64) *model.StructuredQuery {
	return &model.StructuredQuery{
		Templates: []string{"Invoice"},
		Filters:   []model.QueryFilter{{Field: "invoice_total", Op: model.OpGt, Value: amount}},
	}
}

func TestResolve_Tiers(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, "Invoices over $1,000", mock.Anything).Return(invoicesOver(1000), nil).Once()
	svc, st := newTestService(t, gen)
	ctx := context.Background()

	first, err := svc.Resolve(ctx, "Invoices over $1,000", nil)
	require.NoError(t, err)
	assert.Equal(t, TierLLM, first.Tier)
	require.NotEmpty(t, first.PatternID)

	again, err := svc.Resolve(ctx, "invoices  over $1,000?", nil)
	require.NoError(t, err)
	assert.Equal(t, TierCache, again.Tier)
	assert.Equal(t, first.Query, again.Query)
	assert.Equal(t, first.CacheKey, again.CacheKey)

	similar, err := svc.Resolve(ctx, "Invoices over $2,500", nil)
	require.NoError(t, err)
	assert.Equal(t, TierPattern, similar.Tier)
	assert.Equal(t, first.PatternID, similar.PatternID)
	require.Len(t, similar.Query.Filters, 1)
	assert.Equal(t, 2500.0, similar.Query.Filters[0].Value)

	p, err := st.FindQueryPattern(ctx, "invoices over {money}", "Invoice", 0)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.UsageCount)
	assert.Equal(t, []string{ParamMoney}, p.ParamTypes)

	cached, err := svc.Resolve(ctx, "Invoices over $2,500", nil)
	require.NoError(t, err)
	assert.Equal(t, TierCache, cached.Tier, "pattern hits are cached exactly")

	gen.AssertExpectations(t)
}

func TestResolve_PatternBindsNewYear(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, "invoices from 2024", mock.Anything).Return(&model.StructuredQuery{
		Templates: []string{"Invoice"},
		Filters:   []model.QueryFilter{{Field: "fiscal_year", Op: model.OpEq, Value: 2024.0}},
	}, nil).Once()
	svc, _ := newTestService(t, gen)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, "invoices from 2024", nil)
	require.NoError(t, err)

	res, err := svc.Resolve(ctx, "invoices from 2023", nil)
	require.NoError(t, err)
	assert.Equal(t, TierPattern, res.Tier)
	require.Len(t, res.Query.Filters, 1)
	assert.Equal(t, 2023.0, res.Query.Filters[0].Value)
	gen.AssertExpectations(t)
}

func TestResolve_UnplacedLiteralSkipsPattern(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, "top 10 invoices", mock.Anything).Return(&model.StructuredQuery{
		Templates: []string{"Invoice"}, Limit: 20,
	}, nil).Once()
	gen.On("Generate", mock.Anything, "top 5 invoices", mock.Anything).Return(&model.StructuredQuery{
		Templates: []string{"Invoice"}, Limit: 5,
	}, nil).Once()
	svc, _ := newTestService(t, gen)
	ctx := context.Background()

	first, err := svc.Resolve(ctx, "top 10 invoices", nil)
	require.NoError(t, err)
	assert.Empty(t, first.PatternID)

	res, err := svc.Resolve(ctx, "top 5 invoices", nil)
	require.NoError(t, err)
	assert.Equal(t, TierLLM, res.Tier)
	assert.Equal(t, 5, res.Query.Limit)
	gen.AssertExpectations(t)
}

func TestResolve_ExpiredCacheFallsThrough(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(invoicesOver(10), nil).Once()
	svc, st := newTestService(t, gen)
	ctx := context.Background()

	text := "invoices over $10"
	require.NoError(t, st.PutQueryCache(ctx, &model.QueryCacheEntry{
		CacheKey:  CacheKey(text, nil),
		QueryText: text,
		Query:     model.StructuredQuery{Text: "stale"},
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	res, err := svc.Resolve(ctx, text, nil)
	require.NoError(t, err)
	assert.Equal(t, TierLLM, res.Tier)
	assert.Empty(t, res.Query.Text)

	pruned, err := svc.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned, "the fresh answer replaced the expired row")
	gen.AssertExpectations(t)
}

func TestResolve_ExpiredByClock(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(&model.StructuredQuery{Text: "acme"}, nil).Once()
	svc, _ := newTestService(t, gen)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, `documents mentioning "acme"`, map[string]string{"template": "none"})
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	// The pattern is still usable, so only the exact tier is skipped.
	res, err := svc.Resolve(ctx, `documents mentioning "acme"`, map[string]string{"template": "none"})
	require.NoError(t, err)
	assert.Equal(t, TierPattern, res.Tier)
	assert.Equal(t, "acme", res.Query.Text)
	gen.AssertExpectations(t)
}

func TestResolve_DecayedPatternFallsOutOfRotation(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(invoicesOver(5), nil).Twice()
	svc, st := newTestService(t, gen)
	ctx := context.Background()

	first, err := svc.Resolve(ctx, "invoices over $5", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Feedback(ctx, first.PatternID, false))
	require.NoError(t, svc.Feedback(ctx, first.PatternID, false))

	retired, err := st.FindQueryPattern(ctx, "invoices over {money}", "Invoice", 0)
	require.NoError(t, err)
	require.NotNil(t, retired, "retired patterns are kept")
	assert.InDelta(t, 0.25, retired.SuccessRate, 0.0001)
	assert.Equal(t, 2, retired.FailureCount)

	res, err := svc.Resolve(ctx, "invoices over $6", nil)
	require.NoError(t, err)
	assert.Equal(t, TierLLM, res.Tier)
	gen.AssertExpectations(t)
}

func TestResolve_CanonicalExpansion(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything, mock.MatchedBy(func(h Hints) bool {
		return len(h.Templates) == 2 && len(h.Canonical) == 1
	})).Return(&model.StructuredQuery{
		Aggregations: []model.QueryAggregation{{Name: "total", Field: "sales"}},
	}, nil).Once()
	svc, _ := newTestService(t, gen)
	ctx := context.Background()

	want := map[string]string{"Invoice": "invoice_total", "Receipt": "payment_amount"}
	for _, tier := range []string{TierLLM, TierCache} {
		res, err := svc.Resolve(ctx, "total sales in 2024", nil)
		require.NoError(t, err)
		assert.Equal(t, tier, res.Tier)
		require.Len(t, res.Query.Aggregations, 1)
		assert.Equal(t, "revenue", res.Query.Aggregations[0].Canonical)
		assert.Equal(t, model.AggregateSum, res.Query.Aggregations[0].Op)
		assert.Equal(t, want, res.Query.Aggregations[0].Fields)
	}
	gen.AssertExpectations(t)
}

func TestResolve_QuestionTermExpandsConcreteField(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(&model.StructuredQuery{
		Aggregations: []model.QueryAggregation{{Name: "total", Field: "invoice_total"}},
	}, nil).Once()
	svc, _ := newTestService(t, gen)

	res, err := svc.Resolve(context.Background(), "sum of all sales", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"revenue"}, res.Canonical)
	require.Len(t, res.Query.Aggregations, 1)
	assert.Equal(t, "revenue", res.Query.Aggregations[0].Canonical)
	assert.Equal(t, map[string]string{"Invoice": "invoice_total", "Receipt": "payment_amount"}, res.Query.Aggregations[0].Fields)
	gen.AssertExpectations(t)
}

func TestResolve_NoGenerator(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Resolve(context.Background(), "invoices over $5", nil)
	require.Error(t, err)

	_, err = svc.Resolve(context.Background(), " ?? ", nil)
	require.Error(t, err)
}

func TestExecute(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(invoicesOver(100), nil).Once()
	svc, _ := newTestService(t, gen)
	fs := &fakeSearcher{}
	svc.searcher = fs

	res, err := svc.Execute(context.Background(), "invoices over $100", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hits":{"hits":[]}}`, string(res.Results))
	assert.Equal(t, fs.doc, res.Document)
	assert.Equal(t, 20, res.Document["size"])

	svc.searcher = search.Noop{}
	res, err = svc.Execute(context.Background(), "invoices over $100", nil)
	require.NoError(t, err)
	assert.Nil(t, res.Results)
	assert.NotNil(t, res.Document)
}
