package vector

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"compass/internal/config"
	"compass/pkg/logging"
)

const (
	collectionItems  = "mcp_items"
	collectionSkills = "mcp_skills"
)

// Payload is the metadata stored next to an item embedding. It carries
// everything the search engine needs to filter without a relational lookup.
type Payload struct {
	Name           string
	ItemType       ItemType
	OrgID          string // empty for global records
	IsGlobal       bool
	SourceServerID string // empty for internal records
	SkillIDs       []string
	PrimarySkillID string
}

// SkillPayload is the metadata stored next to a skill embedding.
type SkillPayload struct {
	SkillID  string
	Name     string
	OrgID    string
	IsGlobal bool
}

// Filter narrows an item search. Tenant visibility is always applied:
// global records plus, when OrgID is set, that org's records. SkillIDs, when
// non-empty, keeps only items assigned to at least one of the listed skills.
type Filter struct {
	OrgID     string
	ItemType  ItemType
	ServerID  string // restrict to one backend server's items
	SkillIDs  []string
	Threshold float32
}

// Match is a single search hit. DBID is the relational id recovered from the
// point id.
type Match struct {
	DBID    int64
	Score   float32
	Payload Payload
}

// SkillMatch is a single skill-collection hit.
type SkillMatch struct {
	SkillID string
	Score   float32
	Payload SkillPayload
}

// Store wraps the embedded vector database. All writes go through the retry
// wrapper; tenant and skill filtering happens here rather than in the
// backend, whose where-clauses only express exact-match conjunctions.
type Store struct {
	mu     sync.RWMutex
	db     *chromem.DB
	items  *chromem.Collection
	skills *chromem.Collection

	dim           int
	retryAttempts int
	retryBase     time.Duration
	warnPct       float64
}

// New opens (or creates) the vector store. An empty persist path yields an
// in-memory store, used by tests.
func New(cfg config.VectorConfig) (*Store, error) {
	var (
		db  *chromem.DB
		err error
	)
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(cfg.PersistPath, "compass.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	// Embeddings are always supplied by the caller; the collection-level
	// embedding func must never run.
	noEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vector: implicit embedding not supported")
	}

	items, err := db.GetOrCreateCollection(collectionItems, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("open items collection: %w", err)
	}
	skills, err := db.GetOrCreateCollection(collectionSkills, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("open skills collection: %w", err)
	}

	return &Store{
		db:            db,
		items:         items,
		skills:        skills,
		dim:           cfg.EmbeddingDim,
		retryAttempts: cfg.RetryAttempts,
		retryBase:     cfg.RetryBaseDelay(),
		warnPct:       cfg.OverflowWarnPct,
	}, nil
}

// UpsertItem writes or replaces an item embedding. Fails with ErrOverflow
// when the relational id is outside the type's reserved range.
func (s *Store) UpsertItem(ctx context.Context, dbID int64, embedding []float32, p Payload) error {
	pid, err := PointID(p.ItemType, dbID)
	if err != nil {
		return err
	}
	if NearCapacity(dbID, s.warnPct) {
		logging.Warn("Vector", "%s ids at %d of %d: point-id capacity nearly exhausted", p.ItemType, dbID, Capacity)
	}
	if len(embedding) != s.dim {
		return fmt.Errorf("vector: embedding has %d dims, want %d", len(embedding), s.dim)
	}

	doc := chromem.Document{
		ID:        strconv.FormatInt(pid, 10),
		Content:   p.Name,
		Embedding: embedding,
		Metadata:  itemMetadata(p),
	}
	return withRetry(ctx, s.retryAttempts, s.retryBase, fmt.Sprintf("upsert %s %d", p.ItemType, dbID), func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.items.AddDocument(ctx, doc)
	})
}

// UpdateItemPayload rewrites an item's metadata, keeping its stored
// embedding. Used after reclassification, where only skill assignments
// change and the descriptor text is untouched.
func (s *Store) UpdateItemPayload(ctx context.Context, itemType ItemType, dbID int64, p Payload) error {
	pid, err := PointID(itemType, dbID)
	if err != nil {
		return err
	}
	id := strconv.FormatInt(pid, 10)

	return withRetry(ctx, s.retryAttempts, s.retryBase, fmt.Sprintf("update payload %s %d", itemType, dbID), func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		doc, err := s.items.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("point %s not indexed: %w", id, err)
		}
		doc.Metadata = itemMetadata(p)
		return s.items.AddDocument(ctx, doc)
	})
}

// DeleteItems removes the embeddings for the given relational ids. Ids past
// capacity were never indexed and are skipped.
func (s *Store) DeleteItems(ctx context.Context, itemType ItemType, dbIDs []int64) error {
	ids := make([]string, 0, len(dbIDs))
	for _, dbID := range dbIDs {
		pid, err := PointID(itemType, dbID)
		if err != nil {
			continue
		}
		ids = append(ids, strconv.FormatInt(pid, 10))
	}
	if len(ids) == 0 {
		return nil
	}
	return withRetry(ctx, s.retryAttempts, s.retryBase, fmt.Sprintf("delete %d %s points", len(ids), itemType), func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.items.Delete(ctx, nil, nil, ids...)
	})
}

// DeleteByServer removes every item embedding owned by a backend server.
func (s *Store) DeleteByServer(ctx context.Context, serverID string) error {
	return withRetry(ctx, s.retryAttempts, s.retryBase, fmt.Sprintf("delete points for server %s", serverID), func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.items.Delete(ctx, map[string]string{"source_server_id": serverID}, nil)
	})
}

// UpsertSkill writes or replaces a skill embedding.
func (s *Store) UpsertSkill(ctx context.Context, embedding []float32, p SkillPayload) error {
	if len(embedding) != s.dim {
		return fmt.Errorf("vector: embedding has %d dims, want %d", len(embedding), s.dim)
	}
	doc := chromem.Document{
		ID:        strconv.FormatUint(SkillPointID(p.SkillID), 10),
		Content:   p.Name,
		Embedding: embedding,
		Metadata: map[string]string{
			"skill_id":  p.SkillID,
			"name":      p.Name,
			"org_id":    p.OrgID,
			"is_global": strconv.FormatBool(p.IsGlobal),
		},
	}
	return withRetry(ctx, s.retryAttempts, s.retryBase, fmt.Sprintf("upsert skill %s", p.SkillID), func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.skills.AddDocument(ctx, doc)
	})
}

// DeleteSkill removes a skill embedding.
func (s *Store) DeleteSkill(ctx context.Context, skillID string) error {
	id := strconv.FormatUint(SkillPointID(skillID), 10)
	return withRetry(ctx, s.retryAttempts, s.retryBase, fmt.Sprintf("delete skill %s", skillID), func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.skills.Delete(ctx, nil, nil, id)
	})
}

// SearchItems runs a similarity query over the items collection and applies
// tenant, type, skill and threshold filters. Results are ordered score
// descending with id ascending as the tie-break.
func (s *Store) SearchItems(ctx context.Context, embedding []float32, limit int, f Filter) ([]Match, error) {
	if len(embedding) != s.dim {
		return nil, fmt.Errorf("vector: query embedding has %d dims, want %d", len(embedding), s.dim)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// The backend filters are exact-match conjunctions only, so tenant
	// visibility (global OR same org) and skill membership are evaluated
	// here. Over-fetch to leave room for filtered-out neighbors.
	n := overfetch(limit, s.items.Count())
	if n == 0 {
		return nil, nil
	}
	results, err := s.items.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}

	matches := make([]Match, 0, limit)
	for _, r := range results {
		p := payloadFromMetadata(r.Metadata)
		if f.ItemType != "" && p.ItemType != f.ItemType {
			continue
		}
		if !visibleTo(p.IsGlobal, p.OrgID, f.OrgID) {
			continue
		}
		if f.ServerID != "" && p.SourceServerID != f.ServerID {
			continue
		}
		if len(f.SkillIDs) > 0 && !intersects(p.SkillIDs, f.SkillIDs) {
			continue
		}
		score := clampScore(r.Similarity)
		if score < f.Threshold {
			continue
		}
		pid, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		matches = append(matches, Match{DBID: pid % Capacity, Score: score, Payload: p})
		if len(matches) == limit {
			break
		}
	}
	sortMatches(matches)
	return matches, nil
}

// SearchSkills runs a similarity query over the skills collection with
// tenant filtering and a score threshold.
func (s *Store) SearchSkills(ctx context.Context, embedding []float32, limit int, orgID string, threshold float32) ([]SkillMatch, error) {
	if len(embedding) != s.dim {
		return nil, fmt.Errorf("vector: query embedding has %d dims, want %d", len(embedding), s.dim)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := overfetch(limit, s.skills.Count())
	if n == 0 {
		return nil, nil
	}
	results, err := s.skills.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query skills: %w", err)
	}

	matches := make([]SkillMatch, 0, limit)
	for _, r := range results {
		isGlobal := r.Metadata["is_global"] == "true"
		if !visibleTo(isGlobal, r.Metadata["org_id"], orgID) {
			continue
		}
		score := clampScore(r.Similarity)
		if score < threshold {
			continue
		}
		matches = append(matches, SkillMatch{
			SkillID: r.Metadata["skill_id"],
			Score:   score,
			Payload: SkillPayload{
				SkillID:  r.Metadata["skill_id"],
				Name:     r.Metadata["name"],
				OrgID:    r.Metadata["org_id"],
				IsGlobal: isGlobal,
			},
		})
		if len(matches) == limit {
			break
		}
	}
	return matches, nil
}

// ItemCount returns the number of indexed item points.
func (s *Store) ItemCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.Count()
}

func itemMetadata(p Payload) map[string]string {
	return map[string]string{
		"name":             p.Name,
		"item_type":        string(p.ItemType),
		"org_id":           p.OrgID,
		"is_global":        strconv.FormatBool(p.IsGlobal),
		"source_server_id": p.SourceServerID,
		"skill_ids":        strings.Join(p.SkillIDs, ","),
		"primary_skill_id": p.PrimarySkillID,
	}
}

func payloadFromMetadata(m map[string]string) Payload {
	var skillIDs []string
	if raw := m["skill_ids"]; raw != "" {
		skillIDs = strings.Split(raw, ",")
	}
	return Payload{
		Name:           m["name"],
		ItemType:       ItemType(m["item_type"]),
		OrgID:          m["org_id"],
		IsGlobal:       m["is_global"] == "true",
		SourceServerID: m["source_server_id"],
		SkillIDs:       skillIDs,
		PrimarySkillID: m["primary_skill_id"],
	}
}

// visibleTo implements tenant visibility: global records are visible to
// everyone, org records only to their own org.
func visibleTo(isGlobal bool, recordOrg, requestOrg string) bool {
	if isGlobal {
		return true
	}
	return requestOrg != "" && recordOrg == requestOrg
}

func intersects(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// clampScore normalizes a backend similarity into [0, 1].
func clampScore(sim float32) float32 {
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// overfetch picks the backend result count: four candidates per requested
// hit, bounded by the collection size which the backend enforces.
func overfetch(limit, count int) int {
	n := limit * 4
	if n > count {
		n = count
	}
	return n
}

func sortMatches(m []Match) {
	sort.SliceStable(m, func(i, j int) bool {
		if m[i].Score != m[j].Score {
			return m[i].Score > m[j].Score
		}
		return m[i].DBID < m[j].DBID
	})
}
