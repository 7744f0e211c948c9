package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyActive is returned when a session key already has a live or starting session
	ErrAlreadyActive = errors.New("session already active")
	// ErrNotFound is returned when no session is registered under a key
	ErrNotFound = errors.New("session not found")
	// ErrRegistryClosed is returned by Start once StopAll has begun
	ErrRegistryClosed = errors.New("session registry is shutting down")
)

// pendingStart is a session whose Start has not returned yet
type pendingStart struct {
	session *Session
	cancel  context.CancelFunc
}

// Registry maps session keys to sessions and allows at most one live
// session per key. Create one per process and call StopAll on shutdown.
type Registry struct {
	deps   Dependencies
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]pendingStart
	starting sync.WaitGroup
	closing  bool
	defaults SessionConfig
}

// NewRegistry creates an empty registry whose sessions share deps
func NewRegistry(deps Dependencies, defaults SessionConfig, logger zerolog.Logger) *Registry {
	deps.Logger = logger
	return &Registry{
		deps:     deps,
		logger:   logger,
		sessions: make(map[string]*Session),
		pending:  make(map[string]pendingStart),
		defaults: defaults,
	}
}

// DefaultConfig returns the session configuration new sessions start from
func (r *Registry) DefaultConfig() SessionConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaults
}

// Start creates and starts a session for key. The session is registered
// only after its Start succeeds. A terminated session under key is replaced.
// Once StopAll has begun, Start fails with ErrRegistryClosed.
func (r *Registry) Start(ctx context.Context, key string, cfg SessionConfig) error {
	if key == "" {
		return errors.New("session key is required")
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if _, ok := r.pending[key]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", key, ErrAlreadyActive)
	}
	if existing, ok := r.sessions[key]; ok && existing.Active() {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", key, ErrAlreadyActive)
	}
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	session := NewSession(key, cfg, r.deps)
	r.pending[key] = pendingStart{session: session, cancel: cancel}
	r.starting.Add(1)
	r.mu.Unlock()
	defer r.starting.Done()

	err := session.Start(startCtx)

	r.mu.Lock()
	delete(r.pending, key)
	closing := r.closing
	if err == nil && !closing {
		r.sessions[key] = session
	}
	active := len(r.sessions)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if closing {
		// StopAll began while the join was completing
		if stopErr := session.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			r.logger.Warn().Err(stopErr).Str("session_key", key).Msg("Session stopped during shutdown with error")
		}
		return ErrRegistryClosed
	}

	r.logger.Info().Str("session_key", key).Int("sessions", active).Msg("Session registered")
	return nil
}

// Stop stops the session under key and removes it
func (r *Registry) Stop(ctx context.Context, key string) error {
	r.mu.Lock()
	session, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}

	r.logger.Info().Str("session_key", key).Msg("Session unregistered")
	return session.Stop(ctx)
}

// Status returns a snapshot of the session under key, or nil when there is none
func (r *Registry) Status(key string) *Snapshot {
	r.mu.Lock()
	session, ok := r.sessions[key]
	r.mu.Unlock()

	if !ok {
		return nil
	}
	snap := session.Status()
	return &snap
}

// ActiveSessions returns the sorted keys of sessions that are connecting or streaming
func (r *Registry) ActiveSessions() []string {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	keys := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if s.Active() {
			keys = append(keys, s.Key())
		}
	}
	sort.Strings(keys)
	return keys
}

// StopAll stops every registered session concurrently and waits for all of
// them. Starts still joining are cancelled and awaited, and later Start calls
// fail. The first error is returned after every session has finished.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	sessions := make([]*Session, 0, len(r.sessions)+len(r.pending))
	for key, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, key)
	}
	for _, p := range r.pending {
		p.cancel()
		sessions = append(sessions, p.session)
	}
	r.mu.Unlock()

	if len(sessions) > 0 {
		r.logger.Info().Int("sessions", len(sessions)).Msg("Stopping all sessions")
	}

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := s.Stop(ctx); err != nil {
				return fmt.Errorf("stop %s: %w", s.Key(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		started := make(chan struct{})
		go func() {
			r.starting.Wait()
			close(started)
		}()
		select {
		case <-started:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait for pending starts: %w", ctx.Err())
		}
	})
	return g.Wait()
}
