package reconciler

import (
	"context"
	"fmt"

	"compass/internal/vector"
	"compass/pkg/logging"
)

// queueSize bounds the embedding and classification queues. A full queue
// drops the job: the affected record keeps is_classified=false and the next
// sync re-enqueues it.
const queueSize = 256

// job identifies one record to embed or classify.
type job struct {
	itemType vector.ItemType
	id       int64
}

// itemClassifier matches skills.Classifier.
type itemClassifier interface {
	ClassifyTool(ctx context.Context, toolID int64) error
}

// embedder matches embedding.Embedder.
type embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// enqueueEmbed schedules an embedding job without blocking the caller.
func (p *Pipeline) enqueueEmbed(j job) {
	select {
	case p.embedQueue <- j:
	default:
		logging.Warn("Reconciler", "Embedding queue full, dropping %s %d until next sync", j.itemType, j.id)
	}
}

// enqueueClassify schedules a classification job without blocking.
func (p *Pipeline) enqueueClassify(id int64) {
	select {
	case p.classifyQueue <- id:
	default:
		logging.Warn("Reconciler", "Classification queue full, dropping tool %d until next sync", id)
	}
}

// runEmbedWorker drains the embedding queue until the context ends.
func (p *Pipeline) runEmbedWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.embedQueue:
			if err := p.embedItem(ctx, j); err != nil {
				logging.Warn("Reconciler", "Embedding %s %d failed: %v", j.itemType, j.id, err)
				if j.itemType == vector.ItemTypeTool {
					if err := p.store.MarkToolUnclassified(ctx, j.id); err != nil {
						logging.Warn("Reconciler", "Marking tool %d unclassified failed: %v", j.id, err)
					}
				}
				continue
			}
			if j.itemType == vector.ItemTypeTool {
				p.enqueueClassify(j.id)
			}
		}
	}
}

// runClassifyWorker drains the classification queue until the context ends.
func (p *Pipeline) runClassifyWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.classifyQueue:
			if err := p.classifier.ClassifyTool(ctx, id); err != nil {
				logging.Warn("Reconciler", "Classifying tool %d failed: %v", id, err)
			}
		}
	}
}

// embedItem loads the record, embeds its descriptor text and upserts the
// vector point with the current payload.
func (p *Pipeline) embedItem(ctx context.Context, j job) error {
	var (
		text    string
		payload vector.Payload
	)

	switch j.itemType {
	case vector.ItemTypeTool:
		t, err := p.store.GetTool(ctx, j.id)
		if err != nil {
			return err
		}
		text = t.Name + "\n" + t.Description
		payload = vector.Payload{
			Name:           t.Name,
			ItemType:       vector.ItemTypeTool,
			OrgID:          deref(t.OrgID),
			IsGlobal:       t.IsGlobal,
			SourceServerID: deref(t.SourceServerID),
			SkillIDs:       t.SkillIDs,
			PrimarySkillID: deref(t.PrimarySkillID),
		}
	case vector.ItemTypePrompt:
		pr, err := p.store.GetPrompt(ctx, j.id)
		if err != nil {
			return err
		}
		text = pr.Name + "\n" + pr.Description
		payload = vector.Payload{
			Name:           pr.Name,
			ItemType:       vector.ItemTypePrompt,
			OrgID:          deref(pr.OrgID),
			IsGlobal:       pr.IsGlobal,
			SourceServerID: deref(pr.SourceServerID),
		}
	case vector.ItemTypeResource:
		r, err := p.store.GetResource(ctx, j.id)
		if err != nil {
			return err
		}
		text = r.Name + "\n" + r.Description
		payload = vector.Payload{
			Name:           r.Name,
			ItemType:       vector.ItemTypeResource,
			OrgID:          deref(r.OrgID),
			IsGlobal:       r.IsGlobal,
			SourceServerID: deref(r.SourceServerID),
		}
	default:
		return fmt.Errorf("unknown item type %q", j.itemType)
	}

	emb, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed text: %w", err)
	}
	return p.index.UpsertItem(ctx, j.id, emb, payload)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
