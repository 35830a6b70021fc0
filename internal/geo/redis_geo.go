package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// DriverPosition is a driver entry returned from the geo index.
type DriverPosition struct {
	DriverID     string
	Loc          models.Coord
	VehicleClass string
}

// RedisGeo keeps driver positions in a Redis GEO set. It is the discovery
// fallback for when the in-memory registry is cold (fresh process, drivers
// not yet re-registered) and is fed by the location-sample consumer.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID string, loc models.Coord, vehicleClass string) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lng, Latitude: loc.Lat, Name: driverID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"vehicle_class": vehicleClass,
		"updated":       time.Now().Format(time.RFC3339),
	}).Err()
}

// Nearby returns up to limit drivers within radiusM meters of the coordinate,
// closest first.
func (r *RedisGeo) Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]DriverPosition, error) {
	res, err := r.client.GeoRadius(ctx, r.key, at.Lng, at.Lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DriverPosition, 0, len(res))
	for _, g := range res {
		d := DriverPosition{DriverID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lng: g.Longitude}}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			d.VehicleClass = m["vehicle_class"]
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }
