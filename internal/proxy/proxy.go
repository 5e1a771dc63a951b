// Package proxy bridges an authenticated client to a session's loopback
// agent ports: a buffering HTTP proxy, a streaming SSE proxy, and a
// bidirectional WebSocket bridge, all sharing one locate-authorize-wait
// builder.
package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/octoplane/octoplane/internal/config"
	"github.com/octoplane/octoplane/internal/session"
	"github.com/octoplane/octoplane/pkg/types"
)

// SessionLocator is the subset of session.Service the proxy layer needs:
// resolve a session and make sure it is at least starting before
// forwarding traffic to it.
type SessionLocator interface {
	GetSession(ctx context.Context, idOrReadable string) (*types.Session, error)
	GetOrCreateSessionForWorkspace(ctx context.Context, req session.CreateSessionRequest) (*types.Session, error)
	ResumeSession(ctx context.Context, id string) (*types.Session, error)
}

// Builder is the shared first stage of every proxy flavor: locate the
// session, verify ownership, and ensure it is ready (or waiting) before
// any bytes move.
type Builder struct {
	Sessions SessionLocator
	Cfg      config.ProxyConfig
}

func NewBuilder(sessions SessionLocator, cfg config.ProxyConfig) *Builder {
	return &Builder{Sessions: sessions, Cfg: cfg}
}

// Resolve locates sessionID, verifies it belongs to userID, and if it is
// stopped, resumes it — callers then wait on readiness themselves through
// their own connect retry driven by newStartupBackOff, one per proxy
// flavor (HTTP buffers/retries a request; SSE/WS just delay connecting).
func (b *Builder) Resolve(ctx context.Context, sessionID, userID string) (*types.Session, error) {
	sess, err := b.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, types.NewError(types.ErrForbidden, "session does not belong to caller")
	}
	if sess.Status == types.SessionStopped {
		sess, err = b.Sessions.ResumeSession(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
	}
	if sess.Status == types.SessionFailed {
		return nil, types.NewError(types.ErrSessionTerminal, "session failed")
	}
	return sess, nil
}

// ResolveForWorkspace is Resolve's workspace-path-keyed sibling, used by
// the `?workspace_path=...` proxy route variants. The caller fills the
// request's user id, workspace path, image, and path-prefix bounds.
func (b *Builder) ResolveForWorkspace(ctx context.Context, req session.CreateSessionRequest) (*types.Session, error) {
	return b.Sessions.GetOrCreateSessionForWorkspace(ctx, req)
}

// retryBudget bounds how long a connect attempt to a starting session
// keeps retrying before giving up, within a roughly 15-20s wall clock.
func (b *Builder) retryBudget() time.Duration {
	if b.Cfg.StartupWindow <= 0 {
		return 20 * time.Second
	}
	return b.Cfg.StartupWindow
}

// retryDelay implements a "min(attempt, 20) * 100ms" backoff the proxy
// prescribes, scaled by the configured retry unit.
func (b *Builder) retryDelay(attempt int) time.Duration {
	capped := attempt
	if capped > 20 {
		capped = 20
	}
	unit := b.Cfg.RetryUnit
	if unit <= 0 {
		unit = 100 * time.Millisecond
	}
	d := time.Duration(capped) * unit
	if b.Cfg.MaxRetryDelay > 0 && d > b.Cfg.MaxRetryDelay {
		return b.Cfg.MaxRetryDelay
	}
	return d
}

// startupBackOff adapts the "min(attempt, 20) * unit, capped at
// MaxRetryDelay, within retryBudget" schedule to cenkalti/backoff/v4's
// BackOff interface, so every proxy flavor drives its connect retries
// through backoff.Retry rather than a hand-rolled for/select loop.
type startupBackOff struct {
	b       *Builder
	start   time.Time
	attempt int
}

// newStartupBackOff builds the BackOff a proxy flavor's connect-retry
// should run under, already wrapped with ctx so backoff.Retry aborts as
// soon as the caller's request is cancelled.
func (b *Builder) newStartupBackOff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(&startupBackOff{b: b, start: time.Now()}, ctx)
}

func (p *startupBackOff) NextBackOff() time.Duration {
	if time.Since(p.start) >= p.b.retryBudget() {
		return backoff.Stop
	}
	p.attempt++
	return p.b.retryDelay(p.attempt)
}

func (p *startupBackOff) Reset() {
	p.attempt = 0
	p.start = time.Now()
}

// targetURL builds the loopback authority a proxy flavor forwards to.
func targetURL(scheme string, port int, path, rawQuery string) string {
	u := fmt.Sprintf("%s://127.0.0.1:%d%s", scheme, port, path)
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}
