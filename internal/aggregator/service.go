package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"compass/internal/cache"
	"compass/internal/config"
	"compass/internal/mcpclient"
	"compass/internal/reconciler"
	"compass/internal/store"
	"compass/pkg/logging"
)

// serviceStore is the slice of the relational store the server registry
// service needs.
type serviceStore interface {
	CreateServer(ctx context.Context, srv *store.ExternalServer) error
	GetServer(ctx context.Context, id string) (*store.ExternalServer, error)
	GetServerByName(ctx context.Context, name string, orgID *string) (*store.ExternalServer, error)
	ListServers(ctx context.Context, orgID *string) ([]store.ExternalServer, error)
	UpdateServerStatus(ctx context.Context, id string, status store.ServerStatus, lastErr string) error
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	DeleteToolsByServerTx(ctx context.Context, tx *sqlx.Tx, serverID string) ([]int64, error)
	DeletePromptsByServerTx(ctx context.Context, tx *sqlx.Tx, serverID string) ([]int64, error)
	DeleteResourcesByServerTx(ctx context.Context, tx *sqlx.Tx, serverID string) ([]int64, error)
	DeleteServerTx(ctx context.Context, tx *sqlx.Tx, id string) error
}

// serverIndex is the slice of the vector store removal needs.
type serverIndex interface {
	DeleteByServer(ctx context.Context, serverID string) error
}

// externalSyncer runs the post-connect discovery sync. Implemented by
// reconciler.Pipeline; Session satisfies reconciler.Lister.
type externalSyncer interface {
	SyncExternal(ctx context.Context, serverID string, client reconciler.Lister) (*reconciler.SyncResult, error)
}

// dialer builds a client for a server record. Swappable in tests.
type dialer func(srv *store.ExternalServer) (mcpclient.Client, error)

// invalidator is the slice of the cache the service needs.
type invalidator interface {
	InvalidatePattern(ctx context.Context, namespace, pattern string) (int, error)
}

// RegisterSpec carries the caller-supplied fields for a new server.
type RegisterSpec struct {
	Name           string
	Transport      store.ServerTransport
	Command        string
	Args           []string
	Env            store.JSONMap
	URL            string
	Headers        store.JSONMap
	HealthCheckURL string
	OrgID          *string
	IsGlobal       bool
}

// RemovalSummary reports what a server removal deleted.
type RemovalSummary struct {
	Tools     int `json:"tools_removed"`
	Prompts   int `json:"prompts_removed"`
	Resources int `json:"resources_removed"`
}

// Service manages external server registrations and their sessions.
type Service struct {
	store    serviceStore
	index    serverIndex
	sessions *SessionManager
	syncer   externalSyncer
	cache    invalidator
	dial     dialer
	cfg      config.AggregatorConfig
	onChange func()
}

// OnCapabilityChange installs a hook fired after any operation that alters
// the exposed capability set (connect, disconnect, refresh, remove). Set
// once during wiring, before the service handles requests.
func (s *Service) OnCapabilityChange(fn func()) {
	s.onChange = fn
}

func (s *Service) signalChange() {
	if s.onChange != nil {
		s.onChange()
	}
}

// NewService wires the server registry service.
func NewService(st serviceStore, idx serverIndex, sessions *SessionManager, syncer externalSyncer, c invalidator, cfg config.AggregatorConfig) *Service {
	return &Service{
		store:    st,
		index:    idx,
		sessions: sessions,
		syncer:   syncer,
		cache:    c,
		dial:     mcpclient.FromServer,
		cfg:      cfg,
	}
}

// Register files a new external server in REGISTERED state. The transport
// configuration is validated by constructing (but not connecting) a client.
func (s *Service) Register(ctx context.Context, spec RegisterSpec) (*store.ExternalServer, error) {
	srv := &store.ExternalServer{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		Transport: spec.Transport,
		Args:      spec.Args,
		Env:       spec.Env,
		Headers:   spec.Headers,
		Status:    store.StatusRegistered,
		OrgID:     spec.OrgID,
		IsGlobal:  spec.IsGlobal,
	}
	if spec.Command != "" {
		srv.Command = &spec.Command
	}
	if spec.URL != "" {
		srv.URL = &spec.URL
	}
	if spec.HealthCheckURL != "" {
		srv.HealthCheckURL = &spec.HealthCheckURL
	}
	if srv.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}

	if _, err := s.dial(srv); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	if err := s.store.CreateServer(ctx, srv); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			return nil, fmt.Errorf("%w: %s", ErrNameTaken, spec.Name)
		}
		return nil, err
	}

	logging.Info("Aggregator", "Registered server %s (%s, %s)", srv.Name, srv.ID, srv.Transport)
	return srv, nil
}

// Get returns one server record.
func (s *Service) Get(ctx context.Context, id string) (*store.ExternalServer, error) {
	return s.store.GetServer(ctx, id)
}

// List returns the servers visible to an organization.
func (s *Service) List(ctx context.Context, orgID *string) ([]store.ExternalServer, error) {
	return s.store.ListServers(ctx, orgID)
}

// Connect opens a session to the server, runs discovery sync, and marks the
// record CONNECTED. Any failure leaves the record in ERROR with the cause
// and no live session behind.
func (s *Service) Connect(ctx context.Context, id string) (*store.ExternalServer, error) {
	srv, err := s.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateServerStatus(ctx, id, store.StatusConnecting, ""); err != nil {
		return nil, err
	}

	client, err := s.dial(srv)
	if err != nil {
		return nil, s.failConnect(ctx, srv, err)
	}

	sess := NewSession(srv.ID, srv.Name, client, s.cfg.RequestQueueSize)
	openCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectionTimeout())
	defer cancel()
	if err := sess.Open(openCtx); err != nil {
		return nil, s.failConnect(ctx, srv, err)
	}

	if _, err := s.syncer.SyncExternal(ctx, srv.ID, sess); err != nil {
		_ = sess.Close(s.cfg.DrainTimeout())
		return nil, s.failConnect(ctx, srv, err)
	}

	s.sessions.Put(sess, s.cfg.DrainTimeout())
	if err := s.store.UpdateServerStatus(ctx, id, store.StatusConnected, ""); err != nil {
		return nil, err
	}

	s.invalidate(ctx)
	s.signalChange()
	return s.store.GetServer(ctx, id)
}

func (s *Service) failConnect(ctx context.Context, srv *store.ExternalServer, cause error) error {
	logging.Error("Aggregator", cause, "Connecting to %s failed", srv.Name)
	if err := s.store.UpdateServerStatus(ctx, srv.ID, store.StatusError, cause.Error()); err != nil {
		logging.Warn("Aggregator", "Recording connect failure for %s failed: %v", srv.Name, err)
	}
	return fmt.Errorf("connect %s: %w", srv.Name, cause)
}

// Disconnect drains and closes the session, keeping the registration and
// its records for a later reconnect.
func (s *Service) Disconnect(ctx context.Context, id string) error {
	srv, err := s.store.GetServer(ctx, id)
	if err != nil {
		return err
	}

	if sess, ok := s.sessions.Remove(srv.Name); ok {
		_ = sess.Close(s.cfg.DrainTimeout())
	}
	if err := s.store.UpdateServerStatus(ctx, id, store.StatusDisconnected, ""); err != nil {
		return err
	}
	s.invalidate(ctx)
	s.signalChange()
	logging.Info("Aggregator", "Disconnected server %s", srv.Name)
	return nil
}

// Remove tears a server down completely: session, owned records, vector
// points, caches, then the registration row. The record deletes and the row
// delete share one transaction; vector and cache cleanup run after commit
// and are best effort (orphaned points are unreachable once the rows are
// gone, and DeleteByServer sweeps by server id regardless).
func (s *Service) Remove(ctx context.Context, id string) (*RemovalSummary, error) {
	srv, err := s.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}

	if sess, ok := s.sessions.Remove(srv.Name); ok {
		_ = sess.Close(s.cfg.DrainTimeout())
	}

	sum := &RemovalSummary{}
	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		toolIDs, err := s.store.DeleteToolsByServerTx(ctx, tx, id)
		if err != nil {
			return err
		}
		promptIDs, err := s.store.DeletePromptsByServerTx(ctx, tx, id)
		if err != nil {
			return err
		}
		resourceIDs, err := s.store.DeleteResourcesByServerTx(ctx, tx, id)
		if err != nil {
			return err
		}
		sum.Tools = len(toolIDs)
		sum.Prompts = len(promptIDs)
		sum.Resources = len(resourceIDs)
		return s.store.DeleteServerTx(ctx, tx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("remove server %s: %w", srv.Name, err)
	}

	if err := s.index.DeleteByServer(ctx, id); err != nil {
		logging.Warn("Aggregator", "Deleting vector points for %s failed: %v", srv.Name, err)
	}
	s.invalidate(ctx)
	s.signalChange()

	logging.Info("Aggregator", "Removed server %s (%d tools, %d prompts, %d resources)",
		srv.Name, sum.Tools, sum.Prompts, sum.Resources)
	return sum, nil
}

// Refresh re-runs discovery sync over the live session.
func (s *Service) Refresh(ctx context.Context, id string) error {
	srv, err := s.store.GetServer(ctx, id)
	if err != nil {
		return err
	}
	sess, ok := s.sessions.Get(srv.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerUnavailable, srv.Name)
	}
	if _, err := s.syncer.SyncExternal(ctx, id, sess); err != nil {
		return err
	}
	s.signalChange()
	return nil
}

// ConnectAll connects every server previously left CONNECTED or REGISTERED
// as connectable, used at startup. Failures are logged per server and do
// not abort the sweep.
func (s *Service) ConnectAll(ctx context.Context) {
	servers, err := s.store.ListServers(ctx, nil)
	if err != nil {
		logging.Error("Aggregator", err, "Listing servers for startup connect failed")
		return
	}
	for _, srv := range servers {
		switch srv.Status {
		case store.StatusConnected, store.StatusDegraded, store.StatusConnecting:
			if _, err := s.Connect(ctx, srv.ID); err != nil {
				logging.Warn("Aggregator", "Startup connect for %s failed: %v", srv.Name, err)
			}
		}
	}
}

func (s *Service) invalidate(ctx context.Context) {
	for _, ns := range []string{cache.NamespaceToolList, cache.NamespaceSearch} {
		if _, err := s.cache.InvalidatePattern(ctx, ns, "*"); err != nil {
			logging.Warn("Aggregator", "Cache invalidation for %s failed: %v", ns, err)
		}
	}
}
