package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"support-chat-ws/internal/domain"

	"github.com/go-redis/redis/v8"
)

// releaseScript deletes a presence key only while it still names this
// instance, so a reconnect elsewhere is never erased by a late disconnect.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type sessionUser struct {
	Identity   string    `json:"identity"`
	InstanceID string    `json:"instance_id"`
	JoinedAt   time.Time `json:"joined_at"`
}

// Presence implements domain.Presence with TTL'd keys per connection and a
// hash of participants per session.
type Presence struct {
	rc         *RedisClient
	instanceID string
	ttl        time.Duration
}

func NewPresence(rc *RedisClient, instanceID string, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Presence{rc: rc, instanceID: instanceID, ttl: ttl}
}

func presenceKey(kind, identity string) string {
	return fmt.Sprintf("presence:%s:%s", kind, identity)
}

func sessionUsersKey(sessionID int64) string {
	return fmt.Sprintf("session:%d:users", sessionID)
}

func kindOfRole(role string) string {
	if role == domain.RoleAgent {
		return "employee"
	}
	return role
}

// Connected records or refreshes the connection's owner.
func (p *Presence) Connected(ctx context.Context, kind, identity string) error {
	return p.rc.client.Set(ctx, presenceKey(kind, identity), p.instanceID, p.ttl).Err()
}

func (p *Presence) Disconnected(ctx context.Context, kind, identity string) error {
	return releaseScript.Run(ctx, p.rc.client, []string{presenceKey(kind, identity)}, p.instanceID).Err()
}

func (p *Presence) SessionJoined(ctx context.Context, sessionID int64, role, identity string) error {
	userJSON, err := json.Marshal(sessionUser{
		Identity:   identity,
		InstanceID: p.instanceID,
		JoinedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	key := sessionUsersKey(sessionID)
	pipe := p.rc.client.TxPipeline()
	pipe.HSet(ctx, key, role, userJSON)
	pipe.Expire(ctx, key, p.ttl*10)
	_, err = pipe.Exec(ctx)
	return err
}

func (p *Presence) SessionLeft(ctx context.Context, sessionID int64, role string) error {
	return p.rc.client.HDel(ctx, sessionUsersKey(sessionID), role).Err()
}

// SessionStatus reports each participant as connected only while its
// presence key is alive.
func (p *Presence) SessionStatus(ctx context.Context, sessionID int64) (domain.ConnectionStatusResponse, error) {
	status := domain.ConnectionStatusResponse{SessionID: sessionID}

	users, err := p.rc.client.HGetAll(ctx, sessionUsersKey(sessionID)).Result()
	if err != nil {
		return status, err
	}

	for role, userJSON := range users {
		var user sessionUser
		if err := json.Unmarshal([]byte(userJSON), &user); err != nil {
			continue
		}

		owner, err := p.rc.client.Get(ctx, presenceKey(kindOfRole(role), user.Identity)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return status, err
		}

		switch role {
		case domain.RoleCustomer:
			status.CustomerConnected = true
			status.CustomerInstance = owner
		case domain.RoleAgent:
			status.AgentConnected = true
			status.AgentInstance = owner
		}
	}
	return status, nil
}
