// Package lock implements a per-project content-pool lease, per spec
// §5: SET NX EX acquisition plus token-verified Lua
// scripts for release and extension so a lease holder can never release
// or extend a lease it no longer owns.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

var releaseIfTokenMatches = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendIfTokenMatches = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lease is a held lock on a named resource, identified by a random token
// so only the goroutine that acquired it can release or extend it.
type Lease struct {
	cl    *redis.Client
	key   string
	token string
}

// Acquire attempts to take the lease on key for ttl, returning nil and a
// false ok when someone else already holds it.
func Acquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lease, bool, error) {
	token, err := randomToken()
	if err != nil {
		return nil, false, fmt.Errorf("lock: generate token: %w", err)
	}

	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	return &Lease{cl: client, key: key, token: token}, true, nil
}

// Release drops the lease if it is still held by this token.
func (l *Lease) Release(ctx context.Context) error {
	return releaseIfTokenMatches.Run(ctx, l.cl, []string{l.key}, l.token).Err()
}

// Extend resets the lease's TTL if it is still held by this token.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	return extendIfTokenMatches.Run(ctx, l.cl, []string{l.key}, l.token, ttl.Milliseconds()).Err()
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
