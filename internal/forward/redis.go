package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/vncproxy/internal/obs"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyTTL bounds how long a claim survives without Touch. It must exceed
	// the sweep interval.
	KeyTTL time.Duration
	// Prefix namespaces the keys, "vncproxy:" by default.
	Prefix string
	// InstanceID identifies this proxy as the owner of its claims.
	InstanceID string
}

// RedisStore implements Store on Redis so several proxy instances sharing a
// host never claim the same port.
type RedisStore struct {
	client     *redis.Client
	ttl        time.Duration
	prefix     string
	instanceID string

	mu    sync.Mutex
	owned map[int]bool
}

// releaseScript deletes a claim only when this instance owns it.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
local ok, rec = pcall(cjson.decode, v)
if ok and rec["owner"] == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisStore(rdb, opts), nil
}

func newRedisStore(rdb *redis.Client, opts RedisOptions) *RedisStore {
	if opts.KeyTTL <= 0 {
		opts.KeyTTL = 5 * time.Minute
	}
	if opts.Prefix == "" {
		opts.Prefix = "vncproxy:"
	}
	if opts.InstanceID == "" {
		opts.InstanceID = fmt.Sprintf("vncproxy-%d", time.Now().UnixNano())
	}
	return &RedisStore{
		client:     rdb,
		ttl:        opts.KeyTTL,
		prefix:     opts.Prefix,
		instanceID: opts.InstanceID,
		owned:      make(map[int]bool),
	}
}

var _ Store = (*RedisStore)(nil)

func (r *RedisStore) key(port int) string { return r.prefix + "forward:" + strconv.Itoa(port) }

func (r *RedisStore) Claim(ctx context.Context, rec Record) (bool, error) {
	rec.Owner = r.instanceID
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal forward record: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(rec.Port), data, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if ok {
		r.mu.Lock()
		r.owned[rec.Port] = true
		r.mu.Unlock()
	}
	return ok, nil
}

func (r *RedisStore) Touch(ctx context.Context, port int) error {
	if err := r.client.Expire(ctx, r.key(port), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis expire failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Release(ctx context.Context, port int) error {
	r.mu.Lock()
	delete(r.owned, port)
	r.mu.Unlock()
	if err := releaseScript.Run(ctx, r.client, []string{r.key(port)}, r.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Records(ctx context.Context) ([]Record, error) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.owned))
	for port := range r.owned {
		keys = append(keys, r.key(port))
	}
	r.mu.Unlock()
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}
	out := make([]Record, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			obs.Error("redis.unmarshal_forward", obs.Fields{"err": err.Error(), "key": keys[i]})
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close releases every claim still owned and closes the client.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	ports := make([]int, 0, len(r.owned))
	for p := range r.owned {
		ports = append(ports, p)
	}
	r.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range ports {
		if err := r.Release(ctx, p); err != nil {
			obs.Error("redis.release_forward", obs.Fields{"err": err.Error(), "port": p})
		}
	}
	return r.client.Close()
}
