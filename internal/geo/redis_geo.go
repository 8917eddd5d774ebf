package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-orchestrator/internal/models"
)

// RedisIndex implements Index on Redis GEO commands, with a metadata hash
// per driver for rating and online state.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key}
}

func (r *RedisIndex) Upsert(d models.Driver) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Result()
	_ = r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"rating":  strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"online":  strconv.FormatBool(d.Online),
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Nearby(lat, lon, radiusKm float64, limit int) []models.Driver {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if radiusKm <= 0 {
		radiusKm = 5
	}
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["rating"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					d.Rating = f
				}
			}
			if v, ok := m["online"]; ok {
				d.Online = v == "true"
			}
		}
		if !d.Online {
			continue
		}
		out = append(out, d)
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }
