package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mark3labs/mcp-go/mcp"

	"compass/internal/cache"
	"compass/internal/registry"
	"compass/internal/store"
	"compass/internal/vector"
	"compass/pkg/logging"
)

// syncStore is the slice of the relational store the pipeline uses.
type syncStore interface {
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error

	GetTool(ctx context.Context, id int64) (*store.Tool, error)
	GetToolByName(ctx context.Context, name string, orgID *string) (*store.Tool, error)
	ListTools(ctx context.Context, f store.ToolFilter) ([]store.Tool, error)
	CreateToolTx(ctx context.Context, tx *sqlx.Tx, t *store.Tool) error
	UpdateToolTx(ctx context.Context, tx *sqlx.Tx, t *store.Tool) error
	DeleteToolsByIDsTx(ctx context.Context, tx *sqlx.Tx, ids []int64) error
	DeactivateInternalToolsExcept(ctx context.Context, seen []string) ([]int64, error)
	MarkToolUnclassified(ctx context.Context, toolID int64) error

	GetPrompt(ctx context.Context, id int64) (*store.Prompt, error)
	GetPromptByName(ctx context.Context, name string, orgID *string) (*store.Prompt, error)
	ListPrompts(ctx context.Context, f store.ToolFilter) ([]store.Prompt, error)
	CreatePromptTx(ctx context.Context, tx *sqlx.Tx, p *store.Prompt) error
	UpdatePromptTx(ctx context.Context, tx *sqlx.Tx, p *store.Prompt) error
	DeletePromptsByIDsTx(ctx context.Context, tx *sqlx.Tx, ids []int64) error
	DeactivateInternalPromptsExcept(ctx context.Context, seen []string) ([]int64, error)

	GetResource(ctx context.Context, id int64) (*store.Resource, error)
	GetResourceByName(ctx context.Context, name string, orgID *string) (*store.Resource, error)
	ListResources(ctx context.Context, f store.ToolFilter) ([]store.Resource, error)
	CreateResourceTx(ctx context.Context, tx *sqlx.Tx, r *store.Resource) error
	UpdateResourceTx(ctx context.Context, tx *sqlx.Tx, r *store.Resource) error
	DeleteResourcesByIDsTx(ctx context.Context, tx *sqlx.Tx, ids []int64) error
	DeactivateInternalResourcesExcept(ctx context.Context, seen []string) ([]int64, error)

	GetServer(ctx context.Context, id string) (*store.ExternalServer, error)
	UpdateServerToolCount(ctx context.Context, id string, count int) error
}

// itemIndex is the slice of the vector store the pipeline writes.
type itemIndex interface {
	UpsertItem(ctx context.Context, dbID int64, embedding []float32, p vector.Payload) error
	DeleteItems(ctx context.Context, itemType vector.ItemType, dbIDs []int64) error
}

// internalSource is the in-process registration set, implemented by
// registry.Registry.
type internalSource interface {
	Tools() []registry.ToolRegistration
	Prompts() []registry.PromptRegistration
	Resources() []registry.ResourceRegistration
}

// Lister is the listing surface of an MCP client, used by external sync.
type Lister interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	ListResources(ctx context.Context) ([]mcp.Resource, error)
}

// invalidator is the slice of the cache the pipeline needs.
type invalidator interface {
	InvalidatePattern(ctx context.Context, namespace, pattern string) (int, error)
}

// SyncResult summarizes one reconciliation run.
type SyncResult struct {
	ToolsAdded       int `json:"tools_added"`
	ToolsUpdated     int `json:"tools_updated"`
	ToolsRemoved     int `json:"tools_removed"`
	PromptsAdded     int `json:"prompts_added"`
	PromptsUpdated   int `json:"prompts_updated"`
	PromptsRemoved   int `json:"prompts_removed"`
	ResourcesAdded   int `json:"resources_added"`
	ResourcesUpdated int `json:"resources_updated"`
	ResourcesRemoved int `json:"resources_removed"`
}

// Pipeline runs the sync operations and owns the embedding and
// classification workers.
type Pipeline struct {
	store      syncStore
	index      itemIndex
	internal   internalSource
	embedder   embedder
	classifier itemClassifier
	cache      invalidator

	embedQueue    chan job
	classifyQueue chan int64
}

// New wires a pipeline. Run must be called for embedding and classification
// to make progress.
func New(st syncStore, idx itemIndex, internal internalSource, emb embedder, cl itemClassifier, c invalidator) *Pipeline {
	return &Pipeline{
		store:         st,
		index:         idx,
		internal:      internal,
		embedder:      emb,
		classifier:    cl,
		cache:         c,
		embedQueue:    make(chan job, queueSize),
		classifyQueue: make(chan int64, queueSize),
	}
}

// Run drives the background workers until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	go p.runClassifyWorker(ctx)
	p.runEmbedWorker(ctx)
}

// SyncInternal reconciles the store against the in-process registrations.
// New and changed records are queued for embedding; internal records no
// longer registered are retired.
func (p *Pipeline) SyncInternal(ctx context.Context) (*SyncResult, error) {
	res := &SyncResult{}
	var pending []job

	seenTools := make([]string, 0)
	seenPrompts := make([]string, 0)
	seenResources := make([]string, 0)

	err := p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, reg := range p.internal.Tools() {
			seenTools = append(seenTools, reg.Tool.Name)
			id, changed, err := p.upsertInternalTool(ctx, tx, reg)
			if err != nil {
				return err
			}
			switch changed {
			case changeCreated:
				res.ToolsAdded++
			case changeUpdated:
				res.ToolsUpdated++
			}
			if changed != changeNone {
				pending = append(pending, job{itemType: vector.ItemTypeTool, id: id})
			}
		}
		for _, reg := range p.internal.Prompts() {
			seenPrompts = append(seenPrompts, reg.Prompt.Name)
			id, changed, err := p.upsertInternalPrompt(ctx, tx, reg)
			if err != nil {
				return err
			}
			switch changed {
			case changeCreated:
				res.PromptsAdded++
			case changeUpdated:
				res.PromptsUpdated++
			}
			if changed != changeNone {
				pending = append(pending, job{itemType: vector.ItemTypePrompt, id: id})
			}
		}
		for _, reg := range p.internal.Resources() {
			seenResources = append(seenResources, reg.Resource.Name)
			id, changed, err := p.upsertInternalResource(ctx, tx, reg)
			if err != nil {
				return err
			}
			switch changed {
			case changeCreated:
				res.ResourcesAdded++
			case changeUpdated:
				res.ResourcesUpdated++
			}
			if changed != changeNone {
				pending = append(pending, job{itemType: vector.ItemTypeResource, id: id})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("internal sync: %w", err)
	}

	// Retire internal records the process no longer declares and drop
	// their vector points so search stops offering them.
	retiredTools, err := p.store.DeactivateInternalToolsExcept(ctx, seenTools)
	if err != nil {
		return nil, err
	}
	retiredPrompts, err := p.store.DeactivateInternalPromptsExcept(ctx, seenPrompts)
	if err != nil {
		return nil, err
	}
	retiredResources, err := p.store.DeactivateInternalResourcesExcept(ctx, seenResources)
	if err != nil {
		return nil, err
	}
	res.ToolsRemoved = len(retiredTools)
	res.PromptsRemoved = len(retiredPrompts)
	res.ResourcesRemoved = len(retiredResources)

	p.dropPoints(ctx, vector.ItemTypeTool, retiredTools)
	p.dropPoints(ctx, vector.ItemTypePrompt, retiredPrompts)
	p.dropPoints(ctx, vector.ItemTypeResource, retiredResources)

	for _, j := range pending {
		p.enqueueEmbed(j)
	}
	p.invalidate(ctx)

	logging.Info("Reconciler", "Internal sync: +%d/~%d/-%d tools, +%d/~%d/-%d prompts, +%d/~%d/-%d resources",
		res.ToolsAdded, res.ToolsUpdated, res.ToolsRemoved,
		res.PromptsAdded, res.PromptsUpdated, res.PromptsRemoved,
		res.ResourcesAdded, res.ResourcesUpdated, res.ResourcesRemoved)
	return res, nil
}

// SyncExternal reconciles the records owned by one backend server against
// its live listing. Tool listing failures abort the sync; prompt and
// resource listing failures degrade to an empty set so a backend without
// those capabilities still registers its tools.
func (p *Pipeline) SyncExternal(ctx context.Context, serverID string, client Lister) (*SyncResult, error) {
	srv, err := p.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	remoteTools, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", srv.Name, err)
	}
	remotePrompts, err := client.ListPrompts(ctx)
	if err != nil {
		logging.Debug("Reconciler", "Server %s does not serve prompts: %v", srv.Name, err)
		remotePrompts = nil
	}
	remoteResources, err := client.ListResources(ctx)
	if err != nil {
		logging.Debug("Reconciler", "Server %s does not serve resources: %v", srv.Name, err)
		remoteResources = nil
	}

	existingTools, err := p.store.ListTools(ctx, store.ToolFilter{SourceServerID: &serverID, OrgID: srv.OrgID})
	if err != nil {
		return nil, err
	}
	existingPrompts, err := p.store.ListPrompts(ctx, store.ToolFilter{SourceServerID: &serverID, OrgID: srv.OrgID})
	if err != nil {
		return nil, err
	}
	existingResources, err := p.store.ListResources(ctx, store.ToolFilter{SourceServerID: &serverID, OrgID: srv.OrgID})
	if err != nil {
		return nil, err
	}

	res := &SyncResult{}
	var pending []job
	var deletedTools, deletedPrompts, deletedResources []int64

	err = p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		pending, deletedTools, err = p.syncServerTools(ctx, tx, srv, remoteTools, existingTools, res, pending)
		if err != nil {
			return err
		}
		pending, deletedPrompts, err = p.syncServerPrompts(ctx, tx, srv, remotePrompts, existingPrompts, res, pending)
		if err != nil {
			return err
		}
		pending, deletedResources, err = p.syncServerResources(ctx, tx, srv, remoteResources, existingResources, res, pending)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("external sync for %s: %w", srv.Name, err)
	}

	p.dropPoints(ctx, vector.ItemTypeTool, deletedTools)
	p.dropPoints(ctx, vector.ItemTypePrompt, deletedPrompts)
	p.dropPoints(ctx, vector.ItemTypeResource, deletedResources)

	for _, j := range pending {
		p.enqueueEmbed(j)
	}
	if err := p.store.UpdateServerToolCount(ctx, serverID, len(remoteTools)); err != nil {
		logging.Warn("Reconciler", "Updating tool count for %s failed: %v", srv.Name, err)
	}
	p.invalidate(ctx)

	logging.Info("Reconciler", "External sync %s: +%d/~%d/-%d tools", srv.Name,
		res.ToolsAdded, res.ToolsUpdated, res.ToolsRemoved)
	return res, nil
}

type changeKind int

const (
	changeNone changeKind = iota
	changeCreated
	changeUpdated
)

func (p *Pipeline) upsertInternalTool(ctx context.Context, tx *sqlx.Tx, reg registry.ToolRegistration) (int64, changeKind, error) {
	schema := schemaToMap(reg.Tool.InputSchema)
	existing, err := p.store.GetToolByName(ctx, reg.Tool.Name, nil)
	if errors.Is(err, store.ErrNotFound) {
		t := &store.Tool{
			Name:          reg.Tool.Name,
			Description:   reg.Tool.Description,
			InputSchema:   schema,
			Category:      reg.Category,
			SecurityLevel: reg.SecurityLevel,
			IsGlobal:      true,
			IsActive:      true,
		}
		if err := p.store.CreateToolTx(ctx, tx, t); err != nil {
			return 0, changeNone, err
		}
		return t.ID, changeCreated, nil
	}
	if err != nil {
		return 0, changeNone, err
	}

	if existing.Description == reg.Tool.Description &&
		existing.Category == reg.Category &&
		existing.SecurityLevel == reg.SecurityLevel &&
		jsonEqual(existing.InputSchema, schema) &&
		existing.IsActive {
		return existing.ID, changeNone, nil
	}

	existing.Description = reg.Tool.Description
	existing.InputSchema = schema
	existing.Category = reg.Category
	existing.SecurityLevel = reg.SecurityLevel
	existing.IsActive = true
	if err := p.store.UpdateToolTx(ctx, tx, existing); err != nil {
		return 0, changeNone, err
	}
	return existing.ID, changeUpdated, nil
}

func (p *Pipeline) upsertInternalPrompt(ctx context.Context, tx *sqlx.Tx, reg registry.PromptRegistration) (int64, changeKind, error) {
	args := promptArgsToMap(reg.Prompt.Arguments)
	existing, err := p.store.GetPromptByName(ctx, reg.Prompt.Name, nil)
	if errors.Is(err, store.ErrNotFound) {
		pr := &store.Prompt{
			Name:        reg.Prompt.Name,
			Description: reg.Prompt.Description,
			Arguments:   args,
			IsGlobal:    true,
			IsActive:    true,
		}
		if err := p.store.CreatePromptTx(ctx, tx, pr); err != nil {
			return 0, changeNone, err
		}
		return pr.ID, changeCreated, nil
	}
	if err != nil {
		return 0, changeNone, err
	}

	if existing.Description == reg.Prompt.Description && jsonEqual(existing.Arguments, args) && existing.IsActive {
		return existing.ID, changeNone, nil
	}
	existing.Description = reg.Prompt.Description
	existing.Arguments = args
	existing.IsActive = true
	if err := p.store.UpdatePromptTx(ctx, tx, existing); err != nil {
		return 0, changeNone, err
	}
	return existing.ID, changeUpdated, nil
}

func (p *Pipeline) upsertInternalResource(ctx context.Context, tx *sqlx.Tx, reg registry.ResourceRegistration) (int64, changeKind, error) {
	existing, err := p.store.GetResourceByName(ctx, reg.Resource.Name, nil)
	if errors.Is(err, store.ErrNotFound) {
		r := &store.Resource{
			Name:        reg.Resource.Name,
			Description: reg.Resource.Description,
			URI:         reg.Resource.URI,
			MimeType:    reg.Resource.MIMEType,
			IsGlobal:    true,
			IsActive:    true,
		}
		if err := p.store.CreateResourceTx(ctx, tx, r); err != nil {
			return 0, changeNone, err
		}
		return r.ID, changeCreated, nil
	}
	if err != nil {
		return 0, changeNone, err
	}

	if existing.Description == reg.Resource.Description &&
		existing.URI == reg.Resource.URI &&
		existing.MimeType == reg.Resource.MIMEType &&
		existing.IsActive {
		return existing.ID, changeNone, nil
	}
	existing.Description = reg.Resource.Description
	existing.URI = reg.Resource.URI
	existing.MimeType = reg.Resource.MIMEType
	existing.IsActive = true
	if err := p.store.UpdateResourceTx(ctx, tx, existing); err != nil {
		return 0, changeNone, err
	}
	return existing.ID, changeUpdated, nil
}

func (p *Pipeline) syncServerTools(ctx context.Context, tx *sqlx.Tx, srv *store.ExternalServer, remote []mcp.Tool, existing []store.Tool, res *SyncResult, pending []job) ([]job, []int64, error) {
	byOriginal := make(map[string]*store.Tool, len(existing))
	for i := range existing {
		if existing[i].OriginalName != nil {
			byOriginal[*existing[i].OriginalName] = &existing[i]
		}
	}

	seen := make(map[string]struct{}, len(remote))
	for _, rt := range remote {
		seen[rt.Name] = struct{}{}
		schema := schemaToMap(rt.InputSchema)

		cur, ok := byOriginal[rt.Name]
		if !ok {
			orig := rt.Name
			t := &store.Tool{
				Name:           srv.Name + "." + rt.Name,
				Description:    rt.Description,
				InputSchema:    schema,
				Category:       "external",
				SecurityLevel:  store.SecurityLow,
				OrgID:          srv.OrgID,
				IsGlobal:       srv.IsGlobal,
				SourceServerID: &srv.ID,
				OriginalName:   &orig,
				IsActive:       true,
			}
			if err := p.store.CreateToolTx(ctx, tx, t); err != nil {
				return nil, nil, err
			}
			res.ToolsAdded++
			pending = append(pending, job{itemType: vector.ItemTypeTool, id: t.ID})
			continue
		}

		if cur.Description == rt.Description && jsonEqual(cur.InputSchema, schema) && cur.IsActive {
			continue
		}
		cur.Description = rt.Description
		cur.InputSchema = schema
		cur.IsActive = true
		if err := p.store.UpdateToolTx(ctx, tx, cur); err != nil {
			return nil, nil, err
		}
		res.ToolsUpdated++
		pending = append(pending, job{itemType: vector.ItemTypeTool, id: cur.ID})
	}

	var deleted []int64
	for orig, cur := range byOriginal {
		if _, ok := seen[orig]; !ok {
			deleted = append(deleted, cur.ID)
		}
	}
	if err := p.store.DeleteToolsByIDsTx(ctx, tx, deleted); err != nil {
		return nil, nil, err
	}
	res.ToolsRemoved = len(deleted)
	return pending, deleted, nil
}

func (p *Pipeline) syncServerPrompts(ctx context.Context, tx *sqlx.Tx, srv *store.ExternalServer, remote []mcp.Prompt, existing []store.Prompt, res *SyncResult, pending []job) ([]job, []int64, error) {
	byOriginal := make(map[string]*store.Prompt, len(existing))
	for i := range existing {
		if existing[i].OriginalName != nil {
			byOriginal[*existing[i].OriginalName] = &existing[i]
		}
	}

	seen := make(map[string]struct{}, len(remote))
	for _, rp := range remote {
		seen[rp.Name] = struct{}{}
		args := promptArgsToMap(rp.Arguments)

		cur, ok := byOriginal[rp.Name]
		if !ok {
			orig := rp.Name
			pr := &store.Prompt{
				Name:           srv.Name + "." + rp.Name,
				Description:    rp.Description,
				Arguments:      args,
				OrgID:          srv.OrgID,
				IsGlobal:       srv.IsGlobal,
				SourceServerID: &srv.ID,
				OriginalName:   &orig,
				IsActive:       true,
			}
			if err := p.store.CreatePromptTx(ctx, tx, pr); err != nil {
				return nil, nil, err
			}
			res.PromptsAdded++
			pending = append(pending, job{itemType: vector.ItemTypePrompt, id: pr.ID})
			continue
		}

		if cur.Description == rp.Description && jsonEqual(cur.Arguments, args) && cur.IsActive {
			continue
		}
		cur.Description = rp.Description
		cur.Arguments = args
		cur.IsActive = true
		if err := p.store.UpdatePromptTx(ctx, tx, cur); err != nil {
			return nil, nil, err
		}
		res.PromptsUpdated++
		pending = append(pending, job{itemType: vector.ItemTypePrompt, id: cur.ID})
	}

	var deleted []int64
	for orig, cur := range byOriginal {
		if _, ok := seen[orig]; !ok {
			deleted = append(deleted, cur.ID)
		}
	}
	if err := p.store.DeletePromptsByIDsTx(ctx, tx, deleted); err != nil {
		return nil, nil, err
	}
	res.PromptsRemoved = len(deleted)
	return pending, deleted, nil
}

func (p *Pipeline) syncServerResources(ctx context.Context, tx *sqlx.Tx, srv *store.ExternalServer, remote []mcp.Resource, existing []store.Resource, res *SyncResult, pending []job) ([]job, []int64, error) {
	byOriginal := make(map[string]*store.Resource, len(existing))
	for i := range existing {
		if existing[i].OriginalName != nil {
			byOriginal[*existing[i].OriginalName] = &existing[i]
		}
	}

	seen := make(map[string]struct{}, len(remote))
	for _, rr := range remote {
		seen[rr.Name] = struct{}{}

		cur, ok := byOriginal[rr.Name]
		if !ok {
			orig := rr.Name
			r := &store.Resource{
				Name:           srv.Name + "." + rr.Name,
				Description:    rr.Description,
				URI:            rr.URI,
				MimeType:       rr.MIMEType,
				OrgID:          srv.OrgID,
				IsGlobal:       srv.IsGlobal,
				SourceServerID: &srv.ID,
				OriginalName:   &orig,
				IsActive:       true,
			}
			if err := p.store.CreateResourceTx(ctx, tx, r); err != nil {
				return nil, nil, err
			}
			res.ResourcesAdded++
			pending = append(pending, job{itemType: vector.ItemTypeResource, id: r.ID})
			continue
		}

		if cur.Description == rr.Description && cur.URI == rr.URI && cur.MimeType == rr.MIMEType && cur.IsActive {
			continue
		}
		cur.Description = rr.Description
		cur.URI = rr.URI
		cur.MimeType = rr.MIMEType
		cur.IsActive = true
		if err := p.store.UpdateResourceTx(ctx, tx, cur); err != nil {
			return nil, nil, err
		}
		res.ResourcesUpdated++
		pending = append(pending, job{itemType: vector.ItemTypeResource, id: cur.ID})
	}

	var deleted []int64
	for orig, cur := range byOriginal {
		if _, ok := seen[orig]; !ok {
			deleted = append(deleted, cur.ID)
		}
	}
	if err := p.store.DeleteResourcesByIDsTx(ctx, tx, deleted); err != nil {
		return nil, nil, err
	}
	res.ResourcesRemoved = len(deleted)
	return pending, deleted, nil
}

func (p *Pipeline) dropPoints(ctx context.Context, t vector.ItemType, ids []int64) {
	if len(ids) == 0 {
		return
	}
	if err := p.index.DeleteItems(ctx, t, ids); err != nil {
		logging.Warn("Reconciler", "Deleting %d %s vector points failed: %v", len(ids), t, err)
	}
}

func (p *Pipeline) invalidate(ctx context.Context) {
	for _, ns := range []string{cache.NamespaceToolList, cache.NamespaceSearch} {
		if _, err := p.cache.InvalidatePattern(ctx, ns, "*"); err != nil {
			logging.Warn("Reconciler", "Cache invalidation for %s failed: %v", ns, err)
		}
	}
}

// schemaToMap converts an MCP input schema into the JSONB representation.
func schemaToMap(schema mcp.ToolInputSchema) store.JSONMap {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m store.JSONMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func promptArgsToMap(args []mcp.PromptArgument) store.JSONMap {
	if len(args) == 0 {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	return store.JSONMap{"arguments": list}
}

func jsonEqual(a, b store.JSONMap) bool {
	ra, _ := json.Marshal(a)
	rb, _ := json.Marshal(b)
	return string(ra) == string(rb)
}
