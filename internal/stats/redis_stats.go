package stats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ems-dispatch/internal/models"
)

// RedisStore shares driver counters across dispatch nodes. Live load
// lives in a hash per driver; completion and cancellation history uses
// one key per driver per day with an 8-day TTL so the trailing-7-day
// window prunes itself.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(addr, password string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c, now: time.Now}
}

const dayTTL = 8 * 24 * time.Hour

func loadKey(id string) string { return "driver:load:" + id }
func dayKey(kind, id, day string) string {
	return fmt.Sprintf("driver:%s:%s:%s", kind, id, day)
}

func (r *RedisStore) DriverStats(ctx context.Context, driverID string) (models.DriverStats, error) {
	s := models.DriverStats{DriverID: driverID}

	h, err := r.client.HGetAll(ctx, loadKey(driverID)).Result()
	if err != nil {
		return s, err
	}
	s.Active = h["active"] == "1"
	s.PendingRides, _ = strconv.Atoi(h["pending"])
	s.ActiveRides, _ = strconv.Atoi(h["in_ride"])

	now := r.now()
	today := now.Format("20060102")
	compKeys := make([]string, 0, 7)
	cancKeys := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		day := now.AddDate(0, 0, -i).Format("20060102")
		compKeys = append(compKeys, dayKey("completed", driverID, day))
		cancKeys = append(cancKeys, dayKey("cancelled", driverID, day))
	}
	comp, err := r.client.MGet(ctx, compKeys...).Result()
	if err != nil {
		return s, err
	}
	canc, err := r.client.MGet(ctx, cancKeys...).Result()
	if err != nil {
		return s, err
	}
	for i := range comp {
		c := toInt(comp[i])
		s.Completed7d += c
		if i == 0 && compKeys[i] == dayKey("completed", driverID, today) {
			s.CompletedToday = c
		}
		s.Cancelled7d += toInt(canc[i])
	}
	return s, nil
}

func (r *RedisStore) AllDriverStats(ctx context.Context) ([]models.DriverStats, error) {
	ids, err := r.client.SMembers(ctx, "driver:known").Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverStats, 0, len(ids))
	for _, id := range ids {
		s, err := r.DriverStats(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) SetActive(ctx context.Context, driverID string, active bool) error {
	v := "0"
	if active {
		v = "1"
	}
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, "driver:known", driverID)
	pipe.HSet(ctx, loadKey(driverID), "active", v)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) RideAssigned(ctx context.Context, driverID string) error {
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, "driver:known", driverID)
	pipe.HIncrBy(ctx, loadKey(driverID), "pending", 1)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) RideAccepted(ctx context.Context, driverID string) error {
	if err := r.decrField(ctx, driverID, "pending"); err != nil {
		return err
	}
	return r.client.HIncrBy(ctx, loadKey(driverID), "in_ride", 1).Err()
}

func (r *RedisStore) RideCompleted(ctx context.Context, driverID string) error {
	if err := r.decrField(ctx, driverID, "in_ride"); err != nil {
		return err
	}
	day := r.now().Format("20060102")
	key := dayKey("completed", driverID, day)
	pipe := r.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, dayTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) RideCancelled(ctx context.Context, driverID string, accepted bool) error {
	field := "pending"
	if accepted {
		field = "in_ride"
	}
	if err := r.decrField(ctx, driverID, field); err != nil {
		return err
	}
	day := r.now().Format("20060102")
	key := dayKey("cancelled", driverID, day)
	pipe := r.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, dayTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// decrField decrements a load counter and floors it at zero, matching the
// memory store. Crash replay or a missed bump must not leave a negative
// load that makes a saturated driver look idle.
func (r *RedisStore) decrField(ctx context.Context, driverID, field string) error {
	v, err := r.client.HIncrBy(ctx, loadKey(driverID), field, -1).Result()
	if err != nil {
		return err
	}
	if v < 0 {
		return r.client.HSet(ctx, loadKey(driverID), field, 0).Err()
	}
	return nil
}

func toInt(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}
