package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mark3labs/mcp-go/mcp"

	"compass/internal/mcpclient"
	"compass/internal/reconciler"
	"compass/internal/store"
)

// fakeClient is a controllable mcpclient.Client.
type fakeClient struct {
	mu          sync.Mutex
	initErr     error
	pingErr     error
	callErr     error
	callDelay   time.Duration
	calls       []string
	closed      bool
	tools       []mcp.Tool
}

var _ mcpclient.Client = (*fakeClient)(nil)

func (f *fakeClient) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) { return f.tools, nil }

func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if f.callDelay > 0 {
		select {
		case <-time.After(f.callDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	return mcp.NewToolResultText("ok:" + name), nil
}

func (f *fakeClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) { return nil, nil }

func (f *fakeClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{Description: name}, nil
}

func (f *fakeClient) ListResources(ctx context.Context) ([]mcp.Resource, error) { return nil, nil }

func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeClient) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeClient) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

// fakeServerStore is an in-memory serviceStore + healthStore + routerStore
// + exposureStore.
type fakeServerStore struct {
	mu       sync.Mutex
	servers  map[string]*store.ExternalServer
	statuses map[string][]store.ServerStatus
	tools    map[string]*store.Tool

	extTools     []store.Tool
	extPrompts   []store.Prompt
	extResources []store.Resource

	deletedTools, deletedPrompts, deletedResources []int64
	serverDeleted                                  bool
}

func newFakeServerStore() *fakeServerStore {
	return &fakeServerStore{
		servers:  make(map[string]*store.ExternalServer),
		statuses: make(map[string][]store.ServerStatus),
		tools:    make(map[string]*store.Tool),
	}
}

func (f *fakeServerStore) CreateServer(ctx context.Context, srv *store.ExternalServer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.servers {
		if existing.Name == srv.Name {
			return store.ErrDuplicateName
		}
	}
	cp := *srv
	f.servers[srv.ID] = &cp
	return nil
}

func (f *fakeServerStore) GetServer(ctx context.Context, id string) (*store.ExternalServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	srv, ok := f.servers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *srv
	return &cp, nil
}

func (f *fakeServerStore) GetServerByName(ctx context.Context, name string, orgID *string) (*store.ExternalServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, srv := range f.servers {
		if srv.Name == name {
			cp := *srv
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeServerStore) ListServers(ctx context.Context, orgID *string) ([]store.ExternalServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ExternalServer
	for _, srv := range f.servers {
		out = append(out, *srv)
	}
	return out, nil
}

func (f *fakeServerStore) UpdateServerStatus(ctx context.Context, id string, status store.ServerStatus, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	srv, ok := f.servers[id]
	if !ok {
		return store.ErrNotFound
	}
	srv.Status = status
	if lastErr != "" {
		srv.LastError = &lastErr
	}
	f.statuses[id] = append(f.statuses[id], status)
	return nil
}

func (f *fakeServerStore) RecordHealthCheck(ctx context.Context, id string, at time.Time) error {
	return nil
}

func (f *fakeServerStore) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (f *fakeServerStore) DeleteToolsByServerTx(ctx context.Context, tx *sqlx.Tx, serverID string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletedTools, nil
}

func (f *fakeServerStore) DeletePromptsByServerTx(ctx context.Context, tx *sqlx.Tx, serverID string) ([]int64, error) {
	return f.deletedPrompts, nil
}

func (f *fakeServerStore) DeleteResourcesByServerTx(ctx context.Context, tx *sqlx.Tx, serverID string) ([]int64, error) {
	return f.deletedResources, nil
}

func (f *fakeServerStore) DeleteServerTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.servers, id)
	f.serverDeleted = true
	return nil
}

func (f *fakeServerStore) GetToolByName(ctx context.Context, name string, orgID *string) (*store.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tools[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeServerStore) GetResourceByName(ctx context.Context, name string, orgID *string) (*store.Resource, error) {
	return nil, store.ErrNotFound
}

func (f *fakeServerStore) ListTools(ctx context.Context, filter store.ToolFilter) ([]store.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Tool(nil), f.extTools...), nil
}

func (f *fakeServerStore) ListPrompts(ctx context.Context, filter store.ToolFilter) ([]store.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Prompt(nil), f.extPrompts...), nil
}

func (f *fakeServerStore) ListResources(ctx context.Context, filter store.ToolFilter) ([]store.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Resource(nil), f.extResources...), nil
}

func (f *fakeServerStore) setExtTools(tools []store.Tool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extTools = tools
}

func (f *fakeServerStore) lastStatus(id string) store.ServerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	hist := f.statuses[id]
	if len(hist) == 0 {
		return ""
	}
	return hist[len(hist)-1]
}

// fakeSyncer records external sync invocations.
type fakeSyncer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeSyncer) SyncExternal(ctx context.Context, serverID string, client reconciler.Lister) (*reconciler.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, serverID)
	return &reconciler.SyncResult{}, nil
}

type fakeInvalidator struct {
	mu   sync.Mutex
	seen []string
}

func (f *fakeInvalidator) InvalidatePattern(ctx context.Context, namespace, pattern string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, namespace+":"+pattern)
	return 0, nil
}

var errPing = errors.New("ping failed")
