package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index on Redis: a GEO set of searchable drivers plus
// a per-driver state hash. Every state transition runs as a Lua script so the
// check-and-update is a single indivisible operation; a reserved driver is
// removed from the GEO set in the same script that flips its state, which is
// what keeps two concurrent dispatch attempts from double-booking one driver.
type RedisIndex struct {
	client *redis.Client
	geoKey string
}

func NewRedisIndex(client *redis.Client, geoKey string) *RedisIndex {
	if geoKey == "" {
		geoKey = "drivers:available"
	}
	return &RedisIndex{client: client, geoKey: geoKey}
}

func stateKey(driverID string) string { return "driver:state:" + driverID }

var setAvailableScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'RESERVED' or state == 'ON_TRIP' then
  redis.call('HSET', KEYS[1], 'lat', ARGV[2], 'lng', ARGV[3], 'updated', ARGV[4])
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'AVAILABLE', 'lat', ARGV[2], 'lng', ARGV[3], 'updated', ARGV[4])
redis.call('HDEL', KEYS[1], 'trip')
redis.call('GEOADD', KEYS[2], ARGV[3], ARGV[2], ARGV[1])
return 1
`)

var updateLocationScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return 0
end
redis.call('HSET', KEYS[1], 'lat', ARGV[2], 'lng', ARGV[3], 'updated', ARGV[4])
if state == 'AVAILABLE' then
  redis.call('GEOADD', KEYS[2], ARGV[3], ARGV[2], ARGV[1])
end
return 1
`)

var reserveScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= 'AVAILABLE' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'RESERVED', 'trip', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

var releaseScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
local trip = redis.call('HGET', KEYS[1], 'trip')
if state ~= 'RESERVED' or trip ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'AVAILABLE')
redis.call('HDEL', KEYS[1], 'trip')
local lat = redis.call('HGET', KEYS[1], 'lat')
local lng = redis.call('HGET', KEYS[1], 'lng')
if lat and lng then
  redis.call('GEOADD', KEYS[2], lng, lat, ARGV[1])
end
return 1
`)

var beginTripScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
local trip = redis.call('HGET', KEYS[1], 'trip')
if state ~= 'RESERVED' or trip ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'ON_TRIP')
return 1
`)

var finishTripScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
local trip = redis.call('HGET', KEYS[1], 'trip')
if state ~= 'ON_TRIP' or trip ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'AVAILABLE')
redis.call('HDEL', KEYS[1], 'trip')
local lat = redis.call('HGET', KEYS[1], 'lat')
local lng = redis.call('HGET', KEYS[1], 'lng')
if lat and lng then
  redis.call('GEOADD', KEYS[2], lng, lat, ARGV[1])
end
return 1
`)

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func (r *RedisIndex) SetAvailable(ctx context.Context, driverID string, loc models.Coord) error {
	if !models.ValidCoord(loc) {
		return models.ErrInvalidArgument
	}
	n, err := setAvailableScript.Run(ctx, r.client,
		[]string{stateKey(driverID), r.geoKey},
		driverID, fmtFloat(loc.Lat), fmtFloat(loc.Lng), time.Now().UTC().Format(time.RFC3339)).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrDriverUnavailable
	}
	return nil
}

func (r *RedisIndex) SetOffline(ctx context.Context, driverID string) error {
	pipe := r.client.Pipeline()
	pipe.ZRem(ctx, r.geoKey, driverID)
	pipe.Del(ctx, stateKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error {
	if !models.ValidCoord(loc) {
		return models.ErrInvalidArgument
	}
	_, err := updateLocationScript.Run(ctx, r.client,
		[]string{stateKey(driverID), r.geoKey},
		driverID, fmtFloat(loc.Lat), fmtFloat(loc.Lng), time.Now().UTC().Format(time.RFC3339)).Int()
	return err
}

func (r *RedisIndex) QueryNearby(ctx context.Context, origin models.Coord, radiusM float64, limit int) ([]models.Candidate, error) {
	if !models.ValidCoord(origin) || radiusM <= 0 || limit <= 0 {
		return nil, models.ErrInvalidArgument
	}
	res, err := r.client.GeoRadius(ctx, r.geoKey, origin.Lng, origin.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusM,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		// reserved drivers leave the GEO set inside the reservation script,
		// but a racing query may still have seen the old member; the state
		// hash is authoritative
		state, err := r.client.HGet(ctx, stateKey(g.Name), "state").Result()
		if err == redis.Nil || models.PresenceState(state) != models.StateAvailable {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, models.Candidate{
			DriverID:  g.Name,
			Loc:       models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			DistanceM: g.Dist,
		})
	}
	return out, nil
}

func (r *RedisIndex) Reserve(ctx context.Context, driverID, tripID string) error {
	n, err := reserveScript.Run(ctx, r.client, []string{stateKey(driverID), r.geoKey}, driverID, tripID).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrReservationConflict
	}
	return nil
}

func (r *RedisIndex) Release(ctx context.Context, driverID, tripID string) error {
	_, err := releaseScript.Run(ctx, r.client, []string{stateKey(driverID), r.geoKey}, driverID, tripID).Int()
	return err
}

func (r *RedisIndex) BeginTrip(ctx context.Context, driverID, tripID string) error {
	n, err := beginTripScript.Run(ctx, r.client, []string{stateKey(driverID), r.geoKey}, driverID, tripID).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrReservationConflict
	}
	return nil
}

func (r *RedisIndex) FinishTrip(ctx context.Context, driverID, tripID string) error {
	_, err := finishTripScript.Run(ctx, r.client, []string{stateKey(driverID), r.geoKey}, driverID, tripID).Int()
	return err
}

func (r *RedisIndex) Get(ctx context.Context, driverID string) (models.DriverPresence, bool, error) {
	m, err := r.client.HGetAll(ctx, stateKey(driverID)).Result()
	if err != nil {
		return models.DriverPresence{}, false, err
	}
	if len(m) == 0 {
		return models.DriverPresence{}, false, nil
	}
	d := models.DriverPresence{
		DriverID: driverID,
		State:    models.PresenceState(m["state"]),
		TripID:   m["trip"],
	}
	if v, err := strconv.ParseFloat(m["lat"], 64); err == nil {
		d.Loc.Lat = v
	}
	if v, err := strconv.ParseFloat(m["lng"], 64); err == nil {
		d.Loc.Lng = v
	}
	if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
		d.Updated = t
	}
	return d, true, nil
}
