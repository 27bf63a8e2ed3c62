package aggregator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"compass/internal/config"
	"compass/internal/store"
	"compass/pkg/logging"
)

// healthStore is the slice of the relational store the monitor needs.
type healthStore interface {
	GetServer(ctx context.Context, id string) (*store.ExternalServer, error)
	UpdateServerStatus(ctx context.Context, id string, status store.ServerStatus, lastErr string) error
	RecordHealthCheck(ctx context.Context, id string, at time.Time) error
}

// Monitor probes every live session on an interval. One failed probe after
// a healthy streak demotes the server to DEGRADED; failureThreshold
// consecutive failures escalate to ERROR and the session is closed. A
// successful probe restores CONNECTED.
type Monitor struct {
	store    healthStore
	sessions *SessionManager
	httpc    *http.Client

	interval         time.Duration
	probeTimeout     time.Duration
	failureThreshold int
	drainTimeout     time.Duration

	failures map[string]int
	now      func() time.Time
}

// NewMonitor wires a health monitor over the live session set.
func NewMonitor(st healthStore, sessions *SessionManager, cfg config.AggregatorConfig) *Monitor {
	return &Monitor{
		store:            st,
		sessions:         sessions,
		httpc:            &http.Client{Timeout: cfg.HealthTimeout()},
		interval:         cfg.HealthInterval(),
		probeTimeout:     cfg.HealthTimeout(),
		failureThreshold: cfg.HealthFailureThreshold,
		drainTimeout:     cfg.DrainTimeout(),
		failures:         make(map[string]int),
		now:              time.Now,
	}
}

// Run probes until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep probes every session once.
func (m *Monitor) sweep(ctx context.Context) {
	for _, sess := range m.sessions.All() {
		if sess.State() != SessionReady {
			continue
		}
		m.probe(ctx, sess)
	}
}

// probe checks one session and applies the state transitions.
func (m *Monitor) probe(ctx context.Context, sess *Session) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := sess.Ping(probeCtx)
	cancel()
	if err == nil {
		err = m.checkHealthURL(ctx, sess)
	}

	if err == nil {
		if m.failures[sess.ServerID] > 0 || sess.Degraded() {
			logging.Info("Aggregator", "Server %s recovered", sess.Name)
		}
		m.failures[sess.ServerID] = 0
		sess.SetDegraded(false)
		if uerr := m.store.UpdateServerStatus(ctx, sess.ServerID, store.StatusConnected, ""); uerr != nil {
			logging.Warn("Aggregator", "Recording health for %s failed: %v", sess.Name, uerr)
		}
		if uerr := m.store.RecordHealthCheck(ctx, sess.ServerID, m.now()); uerr != nil {
			logging.Warn("Aggregator", "Recording health check time for %s failed: %v", sess.Name, uerr)
		}
		return
	}

	m.failures[sess.ServerID]++
	count := m.failures[sess.ServerID]
	logging.Warn("Aggregator", "Health probe %d/%d for %s failed: %v", count, m.failureThreshold, sess.Name, err)

	if count >= m.failureThreshold {
		delete(m.failures, sess.ServerID)
		if removed, ok := m.sessions.Remove(sess.Name); ok {
			_ = removed.Close(m.drainTimeout)
		}
		if uerr := m.store.UpdateServerStatus(ctx, sess.ServerID, store.StatusError, err.Error()); uerr != nil {
			logging.Warn("Aggregator", "Recording error state for %s failed: %v", sess.Name, uerr)
		}
		logging.Error("Aggregator", err, "Server %s marked ERROR after %d failed probes", sess.Name, count)
		return
	}

	sess.SetDegraded(true)
	if uerr := m.store.UpdateServerStatus(ctx, sess.ServerID, store.StatusDegraded, err.Error()); uerr != nil {
		logging.Warn("Aggregator", "Recording degraded state for %s failed: %v", sess.Name, uerr)
	}
}

// checkHealthURL GETs the optional health endpoint. Anything but 2xx fails.
func (m *Monitor) checkHealthURL(ctx context.Context, sess *Session) error {
	srv, err := m.store.GetServer(ctx, sess.ServerID)
	if err != nil || srv.HealthCheckURL == nil || *srv.HealthCheckURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *srv.HealthCheckURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("health endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}
