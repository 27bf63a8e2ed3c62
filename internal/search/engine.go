package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"compass/internal/cache"
	"compass/internal/config"
	"compass/internal/store"
	"compass/internal/vector"
	"compass/pkg/logging"
)

// Strategy selects how a search is executed.
const (
	StrategyHierarchical = "hierarchical"
	StrategyDirect       = "direct"
)

// Request is one search invocation.
type Request struct {
	Query          string  `json:"query"`
	ItemType       string  `json:"type,omitempty"`     // tool, prompt, resource; empty = tool
	ServerID       string  `json:"server_id,omitempty"` // restrict to one backend
	OrgID          string  `json:"org_id,omitempty"`
	Limit          int     `json:"limit,omitempty"`
	ScoreThreshold float32 `json:"score_threshold,omitempty"`
	Strategy       string  `json:"strategy,omitempty"`
}

// Result is one scored hit.
type Result struct {
	ID             int64         `json:"id"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	ItemType       string        `json:"type"`
	Score          float32       `json:"score"`
	SkillIDs       []string      `json:"skill_ids,omitempty"`
	PrimarySkillID string        `json:"primary_skill_id,omitempty"`
	InputSchema    store.JSONMap `json:"input_schema,omitempty"`
}

// SkillScore reports one stage-1 match.
type SkillScore struct {
	SkillID string  `json:"skill_id"`
	Score   float32 `json:"score"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	Strategy      string       `json:"strategy"`
	SkillsMatched []SkillScore `json:"skills_matched"`
	FallbackUsed  bool         `json:"fallback_used"`
	TookMS        int64        `json:"took_ms"`
}

// Response is the full search result.
type Response struct {
	Results  []Result `json:"results"`
	Metadata Metadata `json:"metadata"`
}

// embedder matches embedding.Embedder.
type embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// index is the slice of the vector store the engine reads.
type index interface {
	SearchSkills(ctx context.Context, embedding []float32, limit int, orgID string, threshold float32) ([]vector.SkillMatch, error)
	SearchItems(ctx context.Context, embedding []float32, limit int, f vector.Filter) ([]vector.Match, error)
}

// enrichmentStore loads descriptors for the returned hits.
type enrichmentStore interface {
	GetToolsByIDs(ctx context.Context, ids []int64) ([]store.Tool, error)
}

// responseCache matches the cache surface the engine uses.
type responseCache interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
}

// Engine executes searches.
type Engine struct {
	embedder embedder
	index    index
	store    enrichmentStore
	cache    responseCache

	skillThreshold float32
	toolThreshold  float32
	defaultLimit   int
	stage1Limit    int
}

// NewEngine wires a search engine.
func NewEngine(emb embedder, idx index, st enrichmentStore, c responseCache, cfg config.SearchConfig) *Engine {
	return &Engine{
		embedder:       emb,
		index:          idx,
		store:          st,
		cache:          c,
		skillThreshold: float32(cfg.SkillThreshold),
		toolThreshold:  float32(cfg.ToolScoreThreshold),
		defaultLimit:   cfg.DefaultLimit,
		stage1Limit:    10,
	}
}

// Search runs one query. Identical requests within the cache TTL are served
// from the search namespace.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("search: query is required")
	}
	if req.Limit <= 0 {
		req.Limit = e.defaultLimit
	}
	if req.ScoreThreshold == 0 {
		req.ScoreThreshold = e.toolThreshold
	}
	if req.Strategy == "" {
		req.Strategy = StrategyHierarchical
	}
	if req.Strategy != StrategyHierarchical && req.Strategy != StrategyDirect {
		return nil, fmt.Errorf("search: unknown strategy %q", req.Strategy)
	}

	key := cacheKey(req)
	if e.cache != nil {
		if raw, hit, err := e.cache.Get(ctx, cache.NamespaceSearch, key); err == nil && hit {
			var resp Response
			if err := json.Unmarshal(raw, &resp); err == nil {
				return &resp, nil
			}
		}
	}

	start := time.Now()
	emb, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var (
		matched  []SkillScore
		fallback bool
	)
	skillIDs := []string{}
	if req.Strategy == StrategyHierarchical {
		skillHits, err := e.index.SearchSkills(ctx, emb, e.stage1Limit, req.OrgID, e.skillThreshold)
		if err != nil {
			return nil, fmt.Errorf("skill search: %w", err)
		}
		sort.SliceStable(skillHits, func(i, j int) bool {
			if skillHits[i].Score != skillHits[j].Score {
				return skillHits[i].Score > skillHits[j].Score
			}
			return skillHits[i].SkillID < skillHits[j].SkillID
		})
		matched = make([]SkillScore, 0, len(skillHits))
		for _, h := range skillHits {
			matched = append(matched, SkillScore{SkillID: h.SkillID, Score: h.Score})
			skillIDs = append(skillIDs, h.SkillID)
		}
		// No skill cleared the threshold: direct search over all items,
		// flagged so callers can tell retrieval quality degraded.
		fallback = len(skillIDs) == 0
	}

	hits, err := e.index.SearchItems(ctx, emb, req.Limit, vector.Filter{
		OrgID:     req.OrgID,
		ItemType:  vector.ItemType(req.ItemType),
		ServerID:  req.ServerID,
		SkillIDs:  skillIDs,
		Threshold: req.ScoreThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("item search: %w", err)
	}

	rankHits(hits, skillIDs)
	results, err := e.enrich(ctx, hits)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Results: results,
		Metadata: Metadata{
			Strategy:      req.Strategy,
			SkillsMatched: matchedOrEmpty(matched, fallback),
			FallbackUsed:  fallback,
			TookMS:        time.Since(start).Milliseconds(),
		},
	}

	if e.cache != nil {
		if raw, err := json.Marshal(resp); err == nil {
			if err := e.cache.Set(ctx, cache.NamespaceSearch, key, raw, 0); err != nil {
				logging.Debug("Search", "Caching response failed: %v", err)
			}
		}
	}
	return resp, nil
}

// rankHits applies the final ordering: score descending, then hits whose
// primary skill is among the matched skills, then id ascending.
func rankHits(hits []vector.Match, matchedSkills []string) {
	matched := make(map[string]struct{}, len(matchedSkills))
	for _, id := range matchedSkills {
		matched[id] = struct{}{}
	}
	primaryMatched := func(m vector.Match) bool {
		_, ok := matched[m.Payload.PrimarySkillID]
		return ok && m.Payload.PrimarySkillID != ""
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		pi, pj := primaryMatched(hits[i]), primaryMatched(hits[j])
		if pi != pj {
			return pi
		}
		return hits[i].DBID < hits[j].DBID
	})
}

// enrich loads input schemas for tool hits. Hits whose relational record
// disappeared since indexing are dropped; the stores reconcile eventually.
func (e *Engine) enrich(ctx context.Context, hits []vector.Match) ([]Result, error) {
	results := make([]Result, 0, len(hits))

	var toolIDs []int64
	for _, h := range hits {
		if h.Payload.ItemType == vector.ItemTypeTool {
			toolIDs = append(toolIDs, h.DBID)
		}
	}
	tools := map[int64]store.Tool{}
	if len(toolIDs) > 0 {
		rows, err := e.store.GetToolsByIDs(ctx, toolIDs)
		if err != nil {
			return nil, fmt.Errorf("enrich results: %w", err)
		}
		for _, t := range rows {
			tools[t.ID] = t
		}
	}

	for _, h := range hits {
		r := Result{
			ID:             h.DBID,
			Name:           h.Payload.Name,
			ItemType:       string(h.Payload.ItemType),
			Score:          h.Score,
			SkillIDs:       h.Payload.SkillIDs,
			PrimarySkillID: h.Payload.PrimarySkillID,
		}
		if h.Payload.ItemType == vector.ItemTypeTool {
			t, ok := tools[h.DBID]
			if !ok {
				continue
			}
			r.Description = t.Description
			r.InputSchema = t.InputSchema
		}
		results = append(results, r)
	}
	return results, nil
}

func matchedOrEmpty(matched []SkillScore, fallback bool) []SkillScore {
	if fallback || matched == nil {
		return []SkillScore{}
	}
	return matched
}

// cacheKey hashes the normalized request so identical searches share a
// cache entry.
func cacheKey(req Request) string {
	raw, _ := json.Marshal(req)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}
