package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arenalab/arena/internal/v1/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// roomcachesKey is the hash holding every listing, keyed by room id.
const roomcachesKey = "roomcaches"

// cleanupBatchSize caps the fields removed per HDEL during Cleanup so a
// process with thousands of rooms cannot block Redis.
const cleanupBatchSize = 500

// RedisDriver stores listings in a shared Redis hash. Queries pull the
// whole hash, so concurrent lookups for the same room name are coalesced
// through singleflight and memoized briefly.
type RedisDriver struct {
	client *redis.Client
	group  singleflight.Group
}

// NewRedisDriver connects its own client; the listing store and presence
// may point at different Redis instances.
func NewRedisDriver(addr, password string) (*RedisDriver, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisDriver{client: client}, nil
}

func (d *RedisDriver) Create(ctx context.Context, listing *RoomListing) error {
	b, err := listing.Marshal()
	if err != nil {
		return err
	}
	return d.client.HSet(ctx, roomcachesKey, listing.RoomID, b).Err()
}

func (d *RedisDriver) Update(ctx context.Context, roomID string, update Update) error {
	// Read-modify-write. The owning process is the only writer for a
	// given room, so there is no cross-process race on one field.
	raw, err := d.client.HGet(ctx, roomcachesKey, roomID).Result()
	if err == redis.Nil {
		return fmt.Errorf("driver: room %q not found", roomID)
	}
	if err != nil {
		return err
	}

	var l RoomListing
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return fmt.Errorf("driver: corrupt listing for room %q: %w", roomID, err)
	}
	update.apply(&l)

	b, err := l.Marshal()
	if err != nil {
		return err
	}
	return d.client.HSet(ctx, roomcachesKey, roomID, b).Err()
}

func (d *RedisDriver) Has(ctx context.Context, roomID string) (bool, error) {
	return d.client.HExists(ctx, roomcachesKey, roomID).Result()
}

func (d *RedisDriver) FindOne(ctx context.Context, query Query) (*RoomListing, error) {
	all, err := d.Find(ctx, query)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

func (d *RedisDriver) Find(ctx context.Context, query Query) ([]*RoomListing, error) {
	listings, err := d.fetchAll(ctx, query.Name)
	if err != nil {
		return nil, err
	}

	var out []*RoomListing
	for _, l := range listings {
		if query.Matches(l) {
			out = append(out, l)
		}
	}
	SortListings(out, query)
	return out, nil
}

// fetchAll loads listings from the shared hash. Concurrent calls for the
// same room name share one HGETALL. The name prefilter skips decoding
// entries that cannot match; it tests raw JSON, so a value collision only
// costs a wasted decode.
func (d *RedisDriver) fetchAll(ctx context.Context, name string) ([]*RoomListing, error) {
	v, err, _ := d.group.Do("find:"+name, func() (any, error) {
		raw, err := d.client.HGetAll(ctx, roomcachesKey).Result()
		if err != nil {
			return nil, err
		}

		var prefilter string
		if name != "" {
			prefilter = fmt.Sprintf(`"name":%q`, name)
		}

		out := make([]*RoomListing, 0, len(raw))
		for roomID, entry := range raw {
			if prefilter != "" && !strings.Contains(entry, prefilter) {
				continue
			}
			var l RoomListing
			if err := json.Unmarshal([]byte(entry), &l); err != nil {
				logging.Warn(ctx, "Skipping corrupt room listing", zap.String("roomId", roomID), zap.Error(err))
				continue
			}
			out = append(out, &l)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*RoomListing), nil
}

func (d *RedisDriver) Remove(ctx context.Context, roomID string) error {
	return d.client.HDel(ctx, roomcachesKey, roomID).Err()
}

func (d *RedisDriver) Cleanup(ctx context.Context, processID string) error {
	raw, err := d.client.HGetAll(ctx, roomcachesKey).Result()
	if err != nil {
		return err
	}

	marker := fmt.Sprintf(`"processId":%q`, processID)
	var doomed []string
	for roomID, entry := range raw {
		if strings.Contains(entry, marker) {
			doomed = append(doomed, roomID)
		}
	}

	for len(doomed) > 0 {
		batch := doomed
		if len(batch) > cleanupBatchSize {
			batch = batch[:cleanupBatchSize]
		}
		if err := d.client.HDel(ctx, roomcachesKey, batch...).Err(); err != nil {
			return err
		}
		doomed = doomed[len(batch):]
	}
	return nil
}

func (d *RedisDriver) Shutdown(context.Context) error {
	return d.client.Close()
}
