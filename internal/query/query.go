// Package query resolves natural-language questions into structured search
// queries through three tiers: an exact cache, reusable patterns, and the
// language model.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docvault/internal/canonical"
	"github.com/sells-group/docvault/internal/config"
	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/search"
	"github.com/sells-group/docvault/internal/store"
)

// Resolution tiers.
const (
	TierCache   = "cache"
	TierPattern = "pattern"
	TierLLM     = "llm"
)

// Store is the persistence the service needs.
type Store interface {
	store.QueryStore
	store.TemplateStore
	store.CanonicalStore
}

// Resolution is a resolved question and how it was resolved.
type Resolution struct {
	Query     model.StructuredQuery `json:"query"`
	Tier      string                `json:"tier"`
	PatternID string                `json:"pattern_id,omitempty"`
	CacheKey  string                `json:"cache_key"`
	Canonical []string              `json:"canonical,omitempty"`
}

// Result is a resolution together with the search it produced.
type Result struct {
	Resolution
	Document search.Document `json:"document"`
	Results  json.RawMessage `json:"results,omitempty"`
}

// Service resolves questions.
type Service struct {
	st       Store
	mapper   *canonical.Mapper
	gen      Generator
	searcher search.Client
	cfg      config.QueryConfig
	now      func() time.Time
}

// New creates a Service. gen may be nil, in which case questions that miss
// both cache tiers fail.
func New(st Store, mapper *canonical.Mapper, gen Generator, searcher search.Client, cfg config.QueryConfig) *Service {
	if searcher == nil {
		searcher = search.Noop{}
	}
	return &Service{st: st, mapper: mapper, gen: gen, searcher: searcher, cfg: cfg, now: time.Now}
}

// Resolve turns text into a structured query. params are caller-bound
// values that take part in the exact cache key. Canonical terms are expanded
// on every resolution so mapping changes apply to cached answers too.
func (s *Service) Resolve(ctx context.Context, text string, params map[string]string) (*Resolution, error) {
	if normalize(text) == "" {
		return nil, eris.New("query: question is empty")
	}
	key := CacheKey(text, params)
	log := zap.L().With(zap.String("cache_key", key))

	res, err := s.fromCache(ctx, key)
	if model.IsCacheMiss(err) {
		log.Debug("query: exact cache miss", zap.Error(err))
		res, err = s.fromPattern(ctx, text, params, key)
	}
	if model.IsCacheMiss(err) {
		log.Debug("query: pattern cache miss", zap.Error(err))
		res, err = s.fromModel(ctx, text, params, key)
	}
	if err != nil {
		return nil, err
	}

	if s.mapper != nil {
		found, err := s.mapper.RewriteQuestion(ctx, text, &res.Query)
		if err != nil {
			return nil, eris.Wrap(err, "query: canonical rewrite")
		}
		for _, d := range found {
			res.Canonical = append(res.Canonical, d.Canonical)
		}
	}
	log.Info("query: resolved",
		zap.String("cache_tier", res.Tier),
		zap.String("pattern_id", res.PatternID),
		zap.Strings("canonical", res.Canonical),
	)
	return res, nil
}

func (s *Service) fromCache(ctx context.Context, key string) (*Resolution, error) {
	e, err := s.st.GetQueryCache(ctx, key)
	if err != nil {
		// The cache is an optimization; a broken read is a miss.
		zap.L().Warn("query: read exact cache", zap.Error(err))
		return nil, &model.CacheMissError{Tier: TierCache, Reason: "read failed"}
	}
	if e == nil {
		return nil, &model.CacheMissError{Tier: TierCache, Reason: "no entry"}
	}
	if e.Expired(s.now()) {
		return nil, &model.CacheMissError{Tier: TierCache, Reason: "expired"}
	}
	if err := s.st.TouchQueryCache(ctx, e.ID); err != nil {
		zap.L().Warn("query: touch exact cache", zap.String("id", e.ID), zap.Error(err))
	}
	return &Resolution{Query: e.Query, Tier: TierCache, PatternID: e.PatternID, CacheKey: key}, nil
}

func (s *Service) fromPattern(ctx context.Context, text string, params map[string]string, key string) (*Resolution, error) {
	pattern, lits := Generalize(text)
	tmpl, err := s.templateFor(ctx, text, params)
	if err != nil {
		return nil, err
	}

	p, err := s.st.FindQueryPattern(ctx, pattern, tmpl, s.cfg.MinSuccessRate)
	if err != nil {
		zap.L().Warn("query: read pattern cache", zap.Error(err))
		return nil, &model.CacheMissError{Tier: TierPattern, Reason: "read failed"}
	}
	if p == nil {
		return nil, &model.CacheMissError{Tier: TierPattern, Reason: "no usable pattern"}
	}

	var skeleton Skeleton
	if err := json.Unmarshal(p.Skeleton, &skeleton); err != nil {
		return nil, &model.CacheMissError{Tier: TierPattern, Reason: "skeleton does not decode"}
	}
	q, err := Bind(skeleton, lits)
	if err != nil {
		return nil, err
	}

	if err := s.st.RecordPatternUse(ctx, p.ID); err != nil {
		zap.L().Warn("query: record pattern use", zap.String("pattern_id", p.ID), zap.Error(err))
	}
	s.remember(ctx, key, text, params, q, p.ID)
	return &Resolution{Query: q, Tier: TierPattern, PatternID: p.ID, CacheKey: key}, nil
}

func (s *Service) fromModel(ctx context.Context, text string, params map[string]string, key string) (*Resolution, error) {
	if s.gen == nil {
		return nil, eris.New("query: no cached answer and no language model configured")
	}
	hints, err := s.hints(ctx)
	if err != nil {
		return nil, err
	}
	gq, err := s.gen.Generate(ctx, text, hints)
	if err != nil {
		return nil, err
	}
	q := cloneQuery(*gq)

	pattern, lits := Generalize(text)
	tmpl, err := s.templateFor(ctx, text, params)
	if err != nil {
		return nil, err
	}

	patternID := ""
	skel, err := Skeletonize(q, lits)
	var skeleton []byte
	if err == nil {
		skeleton, err = json.Marshal(skel)
	}
	if err == nil {
		p, perr := s.st.UpsertQueryPattern(ctx, &model.QueryPattern{
			Pattern:      pattern,
			TemplateName: tmpl,
			Skeleton:     skeleton,
			ParamTypes:   ParamTypes(lits),
		})
		err = perr
		if p != nil {
			patternID = p.ID
		}
	}
	if err != nil {
		zap.L().Warn("query: store pattern", zap.String("pattern", pattern), zap.Error(err))
	}

	s.remember(ctx, key, text, params, q, patternID)
	return &Resolution{Query: q, Tier: TierLLM, PatternID: patternID, CacheKey: key}, nil
}

// remember writes the exact cache entry. Failures are logged only.
func (s *Service) remember(ctx context.Context, key, text string, params map[string]string, q model.StructuredQuery, patternID string) {
	ttl := s.cfg.CacheTTL()
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	err := s.st.PutQueryCache(ctx, &model.QueryCacheEntry{
		CacheKey:  key,
		QueryText: text,
		Params:    params,
		Query:     q,
		PatternID: patternID,
		ExpiresAt: s.now().Add(ttl),
	})
	if err != nil {
		zap.L().Warn("query: store exact cache", zap.Error(err))
	}
}

// templateFor picks the template a pattern is keyed under: an explicit
// "template" parameter, else the template the question names.
func (s *Service) templateFor(ctx context.Context, text string, params map[string]string) (string, error) {
	if t := strings.TrimSpace(params["template"]); t != "" {
		return t, nil
	}
	templates, err := s.st.ListTemplates(ctx)
	if err != nil {
		return "", eris.Wrap(err, "query: list templates")
	}
	return DetectTemplate(text, templates), nil
}

func (s *Service) hints(ctx context.Context) (Hints, error) {
	templates, err := s.st.ListTemplates(ctx)
	if err != nil {
		return Hints{}, eris.Wrap(err, "query: list templates")
	}
	mappings, err := s.st.ListCanonicalMappings(ctx, true)
	if err != nil {
		return Hints{}, eris.Wrap(err, "query: list canonical mappings")
	}
	return Hints{Templates: templates, Canonical: mappings}, nil
}

// Execute resolves text and runs the resulting query against the search
// engine. Without a configured engine the result carries the document only.
func (s *Service) Execute(ctx context.Context, text string, params map[string]string) (*Result, error) {
	res, err := s.Resolve(ctx, text, params)
	if err != nil {
		return nil, err
	}
	out := &Result{Resolution: *res, Document: search.Build(res.Query)}
	raw, err := s.searcher.Search(ctx, out.Document)
	switch {
	case errors.Is(err, search.ErrNotConfigured):
	case err != nil:
		return nil, err
	default:
		out.Results = raw
	}
	return out, nil
}

// Feedback records whether a pattern's answer was useful. Repeated failures
// decay its success rate until it drops out of rotation; it is never deleted.
func (s *Service) Feedback(ctx context.Context, patternID string, success bool) error {
	return s.st.RecordPatternOutcome(ctx, patternID, success, s.cfg.SuccessDecay)
}

// PruneExpired deletes expired exact-cache entries.
func (s *Service) PruneExpired(ctx context.Context) (int, error) {
	n, err := s.st.DeleteExpiredQueryCache(ctx)
	if err != nil {
		return 0, err
	}
	zap.L().Info("query: pruned exact cache", zap.Int("deleted", n))
	return n, nil
}
