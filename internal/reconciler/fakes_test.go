package reconciler

import (
	"context"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/mark3labs/mcp-go/mcp"

	"compass/internal/registry"
	"compass/internal/store"
	"compass/internal/vector"
)

type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	tools     map[int64]*store.Tool
	prompts   map[int64]*store.Prompt
	resources map[int64]*store.Resource
	servers   map[string]*store.ExternalServer

	toolCounts   map[string]int
	unclassified []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:     1,
		tools:      make(map[int64]*store.Tool),
		prompts:    make(map[int64]*store.Prompt),
		resources:  make(map[int64]*store.Resource),
		servers:    make(map[string]*store.ExternalServer),
		toolCounts: make(map[string]int),
	}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (f *fakeStore) GetTool(ctx context.Context, id int64) (*store.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tools[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) GetToolByName(ctx context.Context, name string, orgID *string) (*store.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tools {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListTools(ctx context.Context, fl store.ToolFilter) ([]store.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Tool
	for _, t := range f.tools {
		if fl.SourceServerID != nil {
			if t.SourceServerID == nil || *t.SourceServerID != *fl.SourceServerID {
				continue
			}
		}
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeStore) CreateToolTx(ctx context.Context, tx *sqlx.Tx, t *store.Tool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.ID = f.nextID
	f.nextID++
	cp := *t
	f.tools[t.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateToolTx(ctx context.Context, tx *sqlx.Tx, t *store.Tool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tools[t.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *t
	f.tools[t.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteToolsByIDsTx(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.tools, id)
	}
	return nil
}

func (f *fakeStore) DeactivateInternalToolsExcept(ctx context.Context, seen []string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keep := make(map[string]struct{}, len(seen))
	for _, s := range seen {
		keep[s] = struct{}{}
	}
	var retired []int64
	for _, t := range f.tools {
		if t.SourceServerID != nil || !t.IsActive {
			continue
		}
		if _, ok := keep[t.Name]; !ok {
			t.IsActive = false
			retired = append(retired, t.ID)
		}
	}
	return retired, nil
}

func (f *fakeStore) MarkToolUnclassified(ctx context.Context, toolID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unclassified = append(f.unclassified, toolID)
	if t, ok := f.tools[toolID]; ok {
		t.IsClassified = false
	}
	return nil
}

func (f *fakeStore) GetPrompt(ctx context.Context, id int64) (*store.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prompts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetPromptByName(ctx context.Context, name string, orgID *string) (*store.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.prompts {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListPrompts(ctx context.Context, fl store.ToolFilter) ([]store.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Prompt
	for _, p := range f.prompts {
		if fl.SourceServerID != nil {
			if p.SourceServerID == nil || *p.SourceServerID != *fl.SourceServerID {
				continue
			}
		}
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeStore) CreatePromptTx(ctx context.Context, tx *sqlx.Tx, p *store.Prompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = f.nextID
	f.nextID++
	cp := *p
	f.prompts[p.ID] = &cp
	return nil
}

func (f *fakeStore) UpdatePromptTx(ctx context.Context, tx *sqlx.Tx, p *store.Prompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.prompts[p.ID] = &cp
	return nil
}

func (f *fakeStore) DeletePromptsByIDsTx(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.prompts, id)
	}
	return nil
}

func (f *fakeStore) DeactivateInternalPromptsExcept(ctx context.Context, seen []string) ([]int64, error) {
	return nil, nil
}

func (f *fakeStore) GetResource(ctx context.Context, id int64) (*store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resources[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) GetResourceByName(ctx context.Context, name string, orgID *string) (*store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.resources {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListResources(ctx context.Context, fl store.ToolFilter) ([]store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Resource
	for _, r := range f.resources {
		if fl.SourceServerID != nil {
			if r.SourceServerID == nil || *r.SourceServerID != *fl.SourceServerID {
				continue
			}
		}
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeStore) CreateResourceTx(ctx context.Context, tx *sqlx.Tx, r *store.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.ID = f.nextID
	f.nextID++
	cp := *r
	f.resources[r.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateResourceTx(ctx context.Context, tx *sqlx.Tx, r *store.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.resources[r.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteResourcesByIDsTx(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.resources, id)
	}
	return nil
}

func (f *fakeStore) DeactivateInternalResourcesExcept(ctx context.Context, seen []string) ([]int64, error) {
	return nil, nil
}

func (f *fakeStore) GetServer(ctx context.Context, id string) (*store.ExternalServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) UpdateServerToolCount(ctx context.Context, id string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolCounts[id] = count
	return nil
}

type fakeIndex struct {
	mu        sync.Mutex
	upserts   []int64
	deletes   map[vector.ItemType][]int64
	upsertErr error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{deletes: make(map[vector.ItemType][]int64)}
}

func (f *fakeIndex) UpsertItem(ctx context.Context, dbID int64, embedding []float32, p vector.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, dbID)
	return nil
}

func (f *fakeIndex) DeleteItems(ctx context.Context, itemType vector.ItemType, dbIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes[itemType] = append(f.deletes[itemType], dbIDs...)
	return nil
}

type fakeInternal struct {
	tools     []registry.ToolRegistration
	prompts   []registry.PromptRegistration
	resources []registry.ResourceRegistration
}

func (f *fakeInternal) Tools() []registry.ToolRegistration         { return f.tools }
func (f *fakeInternal) Prompts() []registry.PromptRegistration     { return f.prompts }
func (f *fakeInternal) Resources() []registry.ResourceRegistration { return f.resources }

type fakeClassifierSvc struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (f *fakeClassifierSvc) ClassifyTool(ctx context.Context, toolID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toolID)
	return f.err
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

type fakeCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeCache) InvalidatePattern(ctx context.Context, namespace, pattern string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, namespace+":"+pattern)
	return 0, nil
}

type fakeLister struct {
	tools        []mcp.Tool
	prompts      []mcp.Prompt
	resources    []mcp.Resource
	toolsErr     error
	promptsErr   error
	resourcesErr error
}

func (f *fakeLister) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return f.tools, f.toolsErr
}

func (f *fakeLister) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	if f.promptsErr != nil {
		return nil, f.promptsErr
	}
	return f.prompts, nil
}

func (f *fakeLister) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	if f.resourcesErr != nil {
		return nil, f.resourcesErr
	}
	return f.resources, nil
}

