package location

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/mandado-dispatch/internal/models"
)

// RedisRegistry implements Registry on Redis GEO commands plus a per-courier
// metadata hash, so several API processes share one view of the fleet.
type RedisRegistry struct {
	client *redis.Client
	key    string
}

func NewRedisRegistry(addr, password, key string) *RedisRegistry {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisRegistry{client: c, key: key}
}

// NewRedisRegistryFromClient wires an existing client; the Kafka consumer
// reuses its connection this way.
func NewRedisRegistryFromClient(c *redis.Client, key string) *RedisRegistry {
	return &RedisRegistry{client: c, key: key}
}

func metaKey(id string) string { return "courier:meta:" + id }

func (r *RedisRegistry) UpdateLocation(ctx context.Context, courierID string, lat, lng float64) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lng, Latitude: lat, Name: courierID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(courierID), map[string]interface{}{
		"lat":     strconv.FormatFloat(lat, 'f', 6, 64),
		"lng":     strconv.FormatFloat(lng, 'f', 6, 64),
		"updated": time.Now().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisRegistry) Location(ctx context.Context, courierID string) (*models.CourierLocation, error) {
	m, err := r.client.HGetAll(ctx, metaKey(courierID)).Result()
	if err != nil {
		return nil, err
	}
	return locationFromMeta(courierID, m)
}

func (r *RedisRegistry) SetAvailability(ctx context.Context, courierID string, available bool) error {
	return r.client.HSet(ctx, metaKey(courierID), "available", strconv.FormatBool(available)).Err()
}

func (r *RedisRegistry) Available(ctx context.Context, courierID string) (bool, error) {
	v, err := r.client.HGet(ctx, metaKey(courierID), "available").Result()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

func (r *RedisRegistry) Nearby(ctx context.Context, lat, lng float64, limit int) ([]models.CourierLocation, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, &redis.GeoRadiusQuery{
		Radius: 5000, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.CourierLocation, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if v, ok := m["available"]; ok && v != "true" {
			continue
		}
		loc, err := locationFromMeta(g.Name, m)
		if err != nil {
			// GEO entry without metadata; trust the geo coords, age unknown
			out = append(out, models.CourierLocation{CourierID: g.Name, Lat: g.Latitude, Lng: g.Longitude})
			continue
		}
		out = append(out, *loc)
	}
	return out, nil
}

func locationFromMeta(courierID string, m map[string]string) (*models.CourierLocation, error) {
	latS, okLat := m["lat"]
	lngS, okLng := m["lng"]
	if !okLat || !okLng {
		return nil, ErrNoLocation
	}
	lat, err := strconv.ParseFloat(latS, 64)
	if err != nil {
		return nil, err
	}
	lng, err := strconv.ParseFloat(lngS, 64)
	if err != nil {
		return nil, err
	}
	loc := &models.CourierLocation{CourierID: courierID, Lat: lat, Lng: lng}
	if ts, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			loc.UpdatedAt = t
		}
	}
	return loc, nil
}
