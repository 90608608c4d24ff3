package tokeninfra

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/Abraxas-365/portero/pkg/errx"
	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/redis/go-redis/v9"
)

var stateErrors = errx.NewRegistry("OAUTH_STATE")

var (
	ErrStateNotFound = stateErrors.Register("NOT_FOUND", errx.TypeAuthorization, http.StatusUnauthorized, "OAuth state unknown or already consumed")
	ErrStateStore    = stateErrors.Register("STORE_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Failed to store OAuth state")
)

// RedisStateManager stores CSRF states for in-flight authorization flows.
// States are single-use: Consume atomically reads and deletes.
type RedisStateManager struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStateManager(client *redis.Client, ttl time.Duration) *RedisStateManager {
	return &RedisStateManager{client: client, ttl: ttl}
}

func stateKey(state string) string {
	return fmt.Sprintf("oauth:state:%s", state)
}

// Issue generates a fresh state bound to the instance and stores it with the
// configured TTL.
func (m *RedisStateManager) Issue(ctx context.Context, instanceID kernel.InstanceID) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", stateErrors.NewWithCause(ErrStateStore, err)
	}
	state := hex.EncodeToString(buf)

	if err := m.client.Set(ctx, stateKey(state), instanceID.String(), m.ttl).Err(); err != nil {
		return "", stateErrors.NewWithCause(ErrStateStore, err)
	}
	return state, nil
}

// Consume resolves a state back to its instance and invalidates it. Expired,
// unknown and replayed states all come back as not-found.
func (m *RedisStateManager) Consume(ctx context.Context, state string) (kernel.InstanceID, error) {
	val, err := m.client.GetDel(ctx, stateKey(state)).Result()
	if err == redis.Nil {
		return "", stateErrors.New(ErrStateNotFound)
	}
	if err != nil {
		return "", stateErrors.NewWithCause(ErrStateStore, err)
	}
	return kernel.InstanceID(val), nil
}
