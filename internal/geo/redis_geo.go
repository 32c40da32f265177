package geo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-booking/internal/models"
)

// RedisGeo implements Positions using Redis GEO commands, so every API
// replica and the location consumer share one view.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, p models.Position) error {
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.BookingID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, PositionMetaKey(p.BookingID), "updated", p.Updated.UTC().Format(time.RFC3339Nano)).Err()
}

func (r *RedisGeo) Last(ctx context.Context, bookingID string) (models.Position, bool, error) {
	res, err := r.client.GeoPos(ctx, r.key, bookingID).Result()
	if err != nil {
		return models.Position{}, false, err
	}
	if len(res) == 0 || res[0] == nil {
		return models.Position{}, false, nil
	}
	p := models.Position{BookingID: bookingID, Loc: models.Coord{Lat: res[0].Latitude, Lon: res[0].Longitude}}
	if v, err := r.client.HGet(ctx, PositionMetaKey(bookingID), "updated").Result(); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.Updated = ts
		}
	}
	return p, true, nil
}

func (r *RedisGeo) Remove(ctx context.Context, bookingID string) error {
	if err := r.client.ZRem(ctx, r.key, bookingID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, PositionMetaKey(bookingID), TrailKey(bookingID)).Err()
}

// Trail returns up to limit of the most recent samples the location
// consumer appended for a booking, oldest first.
func (r *RedisGeo) Trail(ctx context.Context, bookingID string, limit int) ([]models.Sample, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := r.client.LRange(ctx, TrailKey(bookingID), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	return decodeTrail(raw), nil
}

// decodeTrail skips entries that do not parse rather than failing the read.
func decodeTrail(raw []string) []models.Sample {
	out := make([]models.Sample, 0, len(raw))
	for _, v := range raw {
		var s models.Sample
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

// PositionMetaKey is the hash holding a booking's position metadata.
func PositionMetaKey(id string) string { return "booking:position:" + id }

// TrailKey is the capped list of a booking's recent samples.
func TrailKey(id string) string { return "booking:trail:" + id }
