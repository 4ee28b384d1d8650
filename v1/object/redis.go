package object

import (
	"context"
	"strings"
	"sync"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
)

const directoryPrefix = "rtsync:name:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisDirectory implements Directory using a Redis backend. Each claimed
// name is stored as one key holding the kind and this directory's token.
type RedisDirectory struct {
	client *redis.Client

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisDirectory returns a directory using the provided client.
func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client, tokens: make(map[string]string)}
}

func directoryKey(name string) string { return directoryPrefix + name }

// Claim implements Directory.Claim.
func (d *RedisDirectory) Claim(ctx context.Context, kind Kind, name string) error {
	token, err := uuid.GenerateUUID()
	if err != nil {
		return err
	}
	value := string(kind) + "|" + token
	ok, err := d.client.SetNX(ctx, directoryKey(name), value, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return rterrors.ErrNameExists
	}
	d.mu.Lock()
	d.tokens[name] = value
	d.mu.Unlock()
	return nil
}

// Release implements Directory.Release. Names claimed by other directories
// are left untouched.
func (d *RedisDirectory) Release(ctx context.Context, kind Kind, name string) error {
	d.mu.Lock()
	value, ok := d.tokens[name]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := releaseScript.Run(ctx, d.client, []string{directoryKey(name)}, value).Result()
	if err == redis.Nil {
		err = nil
	}
	if err == nil {
		d.mu.Lock()
		delete(d.tokens, name)
		d.mu.Unlock()
	}
	return err
}

// Owner returns the kind recorded for name and whether any context holds it.
func (d *RedisDirectory) Owner(ctx context.Context, name string) (Kind, bool, error) {
	v, err := d.client.Get(ctx, directoryKey(name)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	kind, _, _ := strings.Cut(v, "|")
	return Kind(kind), true, nil
}
