package delivery

import (
	"context"
	"sync"
	"time"

	"support-chat-ws/internal/domain"

	"github.com/sirupsen/logrus"
)

const defaultPresenceRefresh = 30 * time.Second

// presenceLease keeps one connection's presence records alive for as long
// as the handler runs. Presence entries expire on their own, so quiet
// connections have to be refreshed.
type presenceLease struct {
	presence domain.Presence
	kind     string
	identity string
	log      logrus.FieldLogger

	mu       sync.Mutex
	sessions map[int64]string // session -> role
	stop     chan struct{}
	done     chan struct{}
}

func newPresenceLease(presence domain.Presence, kind, identity string, log logrus.FieldLogger) *presenceLease {
	return &presenceLease{
		presence: presence,
		kind:     kind,
		identity: identity,
		log:      log,
		sessions: make(map[int64]string),
	}
}

func (l *presenceLease) connect(ctx context.Context) {
	if err := l.presence.Connected(ctx, l.kind, l.identity); err != nil {
		l.log.WithError(err).Warn("Failed to record presence")
	}
}

func (l *presenceLease) join(ctx context.Context, sessionID int64, role string) {
	l.mu.Lock()
	l.sessions[sessionID] = role
	l.mu.Unlock()

	if err := l.presence.SessionJoined(ctx, sessionID, role, l.identity); err != nil {
		l.log.WithError(err).WithField("session_id", sessionID).Warn("Failed to record session presence")
	}
}

func (l *presenceLease) leave(ctx context.Context, sessionID int64, role string) {
	l.forget(sessionID)
	if err := l.presence.SessionLeft(ctx, sessionID, role); err != nil {
		l.log.WithError(err).WithField("session_id", sessionID).Warn("Failed to clear session presence")
	}
}

// forget stops refreshing a session entry without clearing it, for entries
// now owned by another connection.
func (l *presenceLease) forget(sessionID int64) {
	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()
}

// refresh rewrites the connection key and every session entry this
// connection holds, extending their expiry.
func (l *presenceLease) refresh(ctx context.Context) {
	l.connect(ctx)

	l.mu.Lock()
	sessions := make(map[int64]string, len(l.sessions))
	for id, role := range l.sessions {
		sessions[id] = role
	}
	l.mu.Unlock()

	for id, role := range sessions {
		if err := l.presence.SessionJoined(ctx, id, role, l.identity); err != nil {
			l.log.WithError(err).WithField("session_id", id).Warn("Failed to refresh session presence")
		}
	}
}

// keepAlive refreshes the lease every interval until release is called.
func (l *presenceLease) keepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPresenceRefresh
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		defer func() {
			if r := recover(); r != nil {
				l.log.Errorf("Presence refresh recovered from panic: %v", r)
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				l.refresh(ctx)
			}
		}
	}()
}

// release stops the refresh loop and waits for it, so no refresh can land
// after the connection's presence has been cleared.
func (l *presenceLease) release() {
	if l.stop == nil {
		return
	}
	close(l.stop)
	<-l.done
	l.stop = nil
}

// disconnect clears the connection key and any session entries still held.
func (l *presenceLease) disconnect(ctx context.Context, stillConnected bool) {
	l.release()

	if !stillConnected {
		if err := l.presence.Disconnected(ctx, l.kind, l.identity); err != nil {
			l.log.WithError(err).Warn("Failed to clear presence")
		}
	}
}
