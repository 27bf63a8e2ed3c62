package skills

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"compass/internal/cache"
	"compass/internal/store"
	"compass/internal/vector"
	"compass/pkg/logging"
)

// ErrInvalidInput marks rejected skill definitions.
var ErrInvalidInput = errors.New("skills: invalid input")

var skillIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

const minDescriptionLen = 10

// skillIndex is the slice of the vector store the catalog writes to.
type skillIndex interface {
	UpsertSkill(ctx context.Context, embedding []float32, p vector.SkillPayload) error
	DeleteSkill(ctx context.Context, skillID string) error
}

// embedder matches embedding.Embedder; redeclared locally so tests can plug
// a fake without importing the HTTP client.
type embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// catalogStore is the slice of the relational store the catalog needs.
type catalogStore interface {
	CreateSkill(ctx context.Context, sk *store.SkillCategory) error
	UpdateSkill(ctx context.Context, sk *store.SkillCategory) error
	GetSkill(ctx context.Context, id string) (*store.SkillCategory, error)
	ListSkills(ctx context.Context, orgID *string, activeOnly bool) ([]store.SkillCategory, error)
	DisableSkill(ctx context.Context, id string) error
}

// invalidator is the slice of the cache the catalog needs.
type invalidator interface {
	InvalidatePattern(ctx context.Context, namespace, pattern string) (int, error)
}

// SkillInput carries the caller-supplied fields for create and update.
type SkillInput struct {
	ID           string
	Name         string
	Description  string
	Keywords     []string
	Examples     []string
	ParentDomain *string
	OrgID        *string // nil = global skill
}

// Catalog manages skill categories.
type Catalog struct {
	store    catalogStore
	index    skillIndex
	embedder embedder
	cache    invalidator
}

// NewCatalog wires a catalog.
func NewCatalog(st catalogStore, idx skillIndex, emb embedder, c invalidator) *Catalog {
	return &Catalog{store: st, index: idx, embedder: emb, cache: c}
}

// Create validates, persists and indexes a new skill.
func (c *Catalog) Create(ctx context.Context, in SkillInput) (*store.SkillCategory, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	sk := &store.SkillCategory{
		ID:           in.ID,
		Name:         in.Name,
		Description:  strings.TrimSpace(in.Description),
		Keywords:     normalizeKeywords(in.Keywords),
		Examples:     store.StringList(in.Examples),
		ParentDomain: in.ParentDomain,
		OrgID:        in.OrgID,
		IsGlobal:     in.OrgID == nil,
		IsActive:     true,
	}
	if err := c.store.CreateSkill(ctx, sk); err != nil {
		return nil, err
	}
	if err := c.reindex(ctx, sk); err != nil {
		return nil, fmt.Errorf("skill %s stored but not indexed: %w", sk.ID, err)
	}
	c.invalidate(ctx)
	logging.Info("Skills", "Created skill %s (%s)", sk.ID, sk.Name)
	return sk, nil
}

// Update rewrites a skill's descriptor fields and refreshes its embedding.
// Scope (org_id / is_global) is immutable after creation.
func (c *Catalog) Update(ctx context.Context, in SkillInput) (*store.SkillCategory, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	sk, err := c.store.GetSkill(ctx, in.ID)
	if err != nil {
		return nil, err
	}

	sk.Name = in.Name
	sk.Description = strings.TrimSpace(in.Description)
	sk.Keywords = normalizeKeywords(in.Keywords)
	sk.Examples = store.StringList(in.Examples)
	sk.ParentDomain = in.ParentDomain

	if err := c.store.UpdateSkill(ctx, sk); err != nil {
		return nil, err
	}
	if err := c.reindex(ctx, sk); err != nil {
		return nil, fmt.Errorf("skill %s updated but not re-indexed: %w", sk.ID, err)
	}
	c.invalidate(ctx)
	logging.Info("Skills", "Updated skill %s", sk.ID)
	return sk, nil
}

// Get fetches one skill.
func (c *Catalog) Get(ctx context.Context, id string) (*store.SkillCategory, error) {
	return c.store.GetSkill(ctx, id)
}

// List returns skills visible to orgID (global plus own-org).
func (c *Catalog) List(ctx context.Context, orgID *string, activeOnly bool) ([]store.SkillCategory, error) {
	return c.store.ListSkills(ctx, orgID, activeOnly)
}

// Disable soft-disables a skill and removes it from stage-1 search. Existing
// tool assignments are kept; only discovery stops.
func (c *Catalog) Disable(ctx context.Context, id string) error {
	if err := c.store.DisableSkill(ctx, id); err != nil {
		return err
	}
	if err := c.index.DeleteSkill(ctx, id); err != nil {
		return fmt.Errorf("skill %s disabled but still indexed: %w", id, err)
	}
	c.invalidate(ctx)
	logging.Info("Skills", "Disabled skill %s", id)
	return nil
}

// reindex embeds name + description + keywords and upserts the skill point.
func (c *Catalog) reindex(ctx context.Context, sk *store.SkillCategory) error {
	text := EmbeddingText(sk.Name, sk.Description, sk.Keywords)
	emb, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed skill %s: %w", sk.ID, err)
	}
	orgID := ""
	if sk.OrgID != nil {
		orgID = *sk.OrgID
	}
	return c.index.UpsertSkill(ctx, emb, vector.SkillPayload{
		SkillID:  sk.ID,
		Name:     sk.Name,
		OrgID:    orgID,
		IsGlobal: sk.IsGlobal,
	})
}

func (c *Catalog) invalidate(ctx context.Context) {
	for _, ns := range []string{cache.NamespaceSkill, cache.NamespaceSearch} {
		if _, err := c.cache.InvalidatePattern(ctx, ns, "*"); err != nil {
			logging.Warn("Skills", "Cache invalidation for %s failed: %v", ns, err)
		}
	}
}

// EmbeddingText is the canonical text embedded for a skill. Keeping it in
// one place guarantees catalog writes and any future backfill agree.
func EmbeddingText(name, description string, keywords []string) string {
	parts := []string{name, description}
	if len(keywords) > 0 {
		parts = append(parts, strings.Join(keywords, " "))
	}
	return strings.Join(parts, "\n")
}

func validateInput(in SkillInput) error {
	if !skillIDPattern.MatchString(in.ID) {
		return fmt.Errorf("%w: skill id %q must match %s", ErrInvalidInput, in.ID, skillIDPattern)
	}
	if in.Name == "" {
		return fmt.Errorf("%w: skill %s needs a name", ErrInvalidInput, in.ID)
	}
	if len(strings.TrimSpace(in.Description)) < minDescriptionLen {
		return fmt.Errorf("%w: skill %s description must be at least %d characters", ErrInvalidInput, in.ID, minDescriptionLen)
	}
	return nil
}

// normalizeKeywords lower-cases, trims and dedupes keywords, keeping first
// occurrence order.
func normalizeKeywords(keywords []string) store.StringList {
	seen := make(map[string]struct{}, len(keywords))
	out := make(store.StringList, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
