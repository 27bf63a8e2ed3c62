package skills

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"compass/internal/cache"
	"compass/internal/config"
	"compass/internal/embedding"
	"compass/internal/store"
	"compass/internal/vector"
	"compass/pkg/logging"
)

// classifierStore is the slice of the relational store the classifier
// service needs.
type classifierStore interface {
	GetTool(ctx context.Context, id int64) (*store.Tool, error)
	ListSkills(ctx context.Context, orgID *string, activeOnly bool) ([]store.SkillCategory, error)
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	ReplaceLLMAssignmentsTx(ctx context.Context, tx *sqlx.Tx, toolID int64, assignments []store.ToolSkillAssignment) error
	UpdateToolClassificationTx(ctx context.Context, tx *sqlx.Tx, toolID int64, skillIDs []string, primarySkillID *string) error
	RefreshSkillToolCount(ctx context.Context, id string) error
	MarkToolUnclassified(ctx context.Context, toolID int64) error
}

// toolIndex is the slice of the vector store the classifier service writes.
type toolIndex interface {
	UpdateItemPayload(ctx context.Context, itemType vector.ItemType, dbID int64, p vector.Payload) error
}

// maxAssignments caps how many skills a single tool may carry; the LLM
// often proposes a long tail of weak matches past the top few.
const maxAssignments = 3

// Classifier runs LLM skill classification for tools and persists the
// outcome.
type Classifier struct {
	store classifierStore
	llm   embedding.Classifier
	index toolIndex
	cache invalidator

	minConfidence     float64
	primaryConfidence float64
}

// NewClassifier wires a classification service.
func NewClassifier(st classifierStore, llm embedding.Classifier, idx toolIndex, c invalidator, cfg config.ClassifierConfig) *Classifier {
	return &Classifier{
		store:             st,
		llm:               llm,
		index:             idx,
		cache:             c,
		minConfidence:     cfg.ConfidenceThreshold,
		primaryConfidence: cfg.PrimaryConfidenceThreshold,
	}
}

// ClassifyTool classifies one tool against the skills visible in its scope
// and replaces its LLM-sourced assignments. Manual assignments are never
// touched. An empty accepted set still marks the tool classified: "no skill
// fits" is a valid, terminal outcome.
func (c *Classifier) ClassifyTool(ctx context.Context, toolID int64) error {
	tool, err := c.store.GetTool(ctx, toolID)
	if err != nil {
		return err
	}

	visible, err := c.store.ListSkills(ctx, tool.OrgID, true)
	if err != nil {
		return fmt.Errorf("list skills for tool %d: %w", toolID, err)
	}
	if len(visible) == 0 {
		logging.Debug("Skills", "No skills in scope for tool %s, marking classified with none", tool.Name)
		return c.persist(ctx, tool, nil)
	}

	desc := embedding.ToolDescriptor{
		Name:        tool.Name,
		Description: tool.Description,
		Category:    tool.Category,
		Skills:      make([]embedding.SkillDescriptor, 0, len(visible)),
	}
	byID := make(map[string]store.SkillCategory, len(visible))
	for _, sk := range visible {
		byID[sk.ID] = sk
		desc.Skills = append(desc.Skills, embedding.SkillDescriptor{
			ID:          sk.ID,
			Name:        sk.Name,
			Description: sk.Description,
			Keywords:    sk.Keywords,
		})
	}

	raw, err := c.llm.Classify(ctx, desc)
	if err != nil {
		return fmt.Errorf("classify tool %s: %w", tool.Name, err)
	}

	accepted := c.filter(tool, raw, byID)
	return c.persist(ctx, tool, accepted)
}

// filter applies the acceptance rules: confidence floor, known skill,
// tenant scope (global or same org as the tool), dedupe, at most
// maxAssignments accepted. Results stay ordered by confidence descending.
func (c *Classifier) filter(tool *store.Tool, raw []embedding.Assignment, byID map[string]store.SkillCategory) []store.ToolSkillAssignment {
	sort.SliceStable(raw, func(i, j int) bool { return raw[i].Confidence > raw[j].Confidence })

	seen := make(map[string]struct{}, len(raw))
	var out []store.ToolSkillAssignment
	for _, a := range raw {
		if a.Confidence < c.minConfidence {
			continue
		}
		sk, known := byID[a.SkillID]
		if !known {
			logging.Warn("Skills", "Classifier proposed unknown skill %q for tool %s, dropped", a.SkillID, tool.Name)
			continue
		}
		if !sk.IsGlobal && !sameOrg(sk.OrgID, tool.OrgID) {
			logging.Warn("Skills", "Classifier proposed out-of-scope skill %s for tool %s, dropped", sk.ID, tool.Name)
			continue
		}
		if _, dup := seen[a.SkillID]; dup {
			continue
		}
		seen[a.SkillID] = struct{}{}
		out = append(out, store.ToolSkillAssignment{
			ToolID:     tool.ID,
			SkillID:    a.SkillID,
			Confidence: a.Confidence,
			Source:     store.SourceLLM,
		})
		if len(out) == maxAssignments {
			break
		}
	}

	// The primary skill is the top assignment, and only when its
	// confidence clears the primary floor.
	if len(out) > 0 && out[0].Confidence >= c.primaryConfidence {
		out[0].IsPrimary = true
	}
	return out
}

// persist writes assignments and denormalized tool fields in one
// transaction, then pushes the new assignment set into the vector payload.
// An index failure after commit leaves the tool marked unclassified so the
// next reconciliation retries.
func (c *Classifier) persist(ctx context.Context, tool *store.Tool, accepted []store.ToolSkillAssignment) error {
	skillIDs := make([]string, 0, len(accepted))
	var primary *string
	for _, a := range accepted {
		skillIDs = append(skillIDs, a.SkillID)
		if a.IsPrimary {
			id := a.SkillID
			primary = &id
		}
	}

	err := c.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.store.ReplaceLLMAssignmentsTx(ctx, tx, tool.ID, accepted); err != nil {
			return err
		}
		return c.store.UpdateToolClassificationTx(ctx, tx, tool.ID, skillIDs, primary)
	})
	if err != nil {
		return fmt.Errorf("persist classification for tool %d: %w", tool.ID, err)
	}

	// Refresh counts for both the old and the new assignment set.
	for _, id := range uniqueStrings(append(append([]string{}, tool.SkillIDs...), skillIDs...)) {
		if err := c.store.RefreshSkillToolCount(ctx, id); err != nil {
			logging.Warn("Skills", "Refreshing tool count for skill %s failed: %v", id, err)
		}
	}

	if err := c.pushPayload(ctx, tool, skillIDs, primary); err != nil {
		logging.Warn("Skills", "Vector payload update for tool %d failed, marking unclassified: %v", tool.ID, err)
		if markErr := c.store.MarkToolUnclassified(ctx, tool.ID); markErr != nil {
			return fmt.Errorf("mark tool %d unclassified: %w", tool.ID, markErr)
		}
		return nil
	}

	c.invalidate(ctx)
	logging.Info("Skills", "Classified tool %s: %d skills (primary %v)", tool.Name, len(skillIDs), primary != nil)
	return nil
}

func (c *Classifier) pushPayload(ctx context.Context, tool *store.Tool, skillIDs []string, primary *string) error {
	orgID := ""
	if tool.OrgID != nil {
		orgID = *tool.OrgID
	}
	serverID := ""
	if tool.SourceServerID != nil {
		serverID = *tool.SourceServerID
	}
	primaryID := ""
	if primary != nil {
		primaryID = *primary
	}
	return c.index.UpdateItemPayload(ctx, vector.ItemTypeTool, tool.ID, vector.Payload{
		Name:           tool.Name,
		ItemType:       vector.ItemTypeTool,
		OrgID:          orgID,
		IsGlobal:       tool.IsGlobal,
		SourceServerID: serverID,
		SkillIDs:       skillIDs,
		PrimarySkillID: primaryID,
	})
}

func (c *Classifier) invalidate(ctx context.Context) {
	for _, ns := range []string{cache.NamespaceTool, cache.NamespaceToolList, cache.NamespaceSearch} {
		if _, err := c.cache.InvalidatePattern(ctx, ns, "*"); err != nil {
			logging.Warn("Skills", "Cache invalidation for %s failed: %v", ns, err)
		}
	}
}

func sameOrg(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
