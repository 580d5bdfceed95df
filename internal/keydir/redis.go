package keydir

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mesmerverse/securechat/internal/model"
)

const defaultKeyPrefix = "securechat:"

// claimScript takes a free or lapsed claim, or renews the caller's own.
var claimScript = redis.NewScript(`
local owner = redis.call("GET", KEYS[1])
if owner and owner ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// activateScript checks the claim, writes the shares and raises the active
// key id atomically. ARGV is claimant, key id, then share field/value pairs.
var activateScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
local current = tonumber(redis.call("GET", KEYS[2]) or "0")
if current > tonumber(ARGV[2]) then
	return 0
end
for i = 3, #ARGV, 2 do
	redis.call("HSET", KEYS[3], ARGV[i], ARGV[i + 1])
end
redis.call("SET", KEYS[2], ARGV[2])
return 1
`)

// Redis is a Directory backed by a Redis server.
//
// Key layout:
//
//	<prefix>bundle:{user}                    CBOR prekey bundle
//	<prefix>epoch:{community}:{keyID}        claimant, expires with its lease
//	<prefix>active:{community}               active key id
//	<prefix>share:{community}:{keyID}        hash user -> CBOR share
//	<prefix>marker:{community}               hash user -> CBOR marker
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// RedisConfig holds connection settings.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisWithClient(rdb, cfg.KeyPrefix), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) bundleKey(userID string) string { return r.prefix + "bundle:" + userID }
func (r *Redis) activeKey(communityID string) string { return r.prefix + "active:" + communityID }
func (r *Redis) markerKey(communityID string) string { return r.prefix + "marker:" + communityID }

func (r *Redis) epochKey(communityID string, keyID int64) string {
	return r.prefix + "epoch:" + communityID + ":" + strconv.FormatInt(keyID, 10)
}

func (r *Redis) shareKey(communityID string, keyID int64) string {
	return r.prefix + "share:" + communityID + ":" + strconv.FormatInt(keyID, 10)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (r *Redis) PublishBundle(ctx context.Context, bundle model.PrekeyBundle) error {
	data, err := model.Marshal(&bundle)
	if err != nil {
		return fmt.Errorf("failed to encode bundle: %w", err)
	}
	if err := r.rdb.Set(ctx, r.bundleKey(bundle.UserID), data, 0).Err(); err != nil {
		return unavailable("publish bundle", err)
	}
	return nil
}

func (r *Redis) Bundle(ctx context.Context, userID string) (*model.PrekeyBundle, error) {
	data, err := r.rdb.Get(ctx, r.bundleKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get bundle", err)
	}
	var b model.PrekeyBundle
	if err := model.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	return &b, nil
}

func (r *Redis) ClaimEpoch(ctx context.Context, communityID string, keyID int64, claimant string, lease time.Duration) (bool, error) {
	won, err := claimScript.Run(ctx, r.rdb, []string{r.epochKey(communityID, keyID)}, claimant, lease.Milliseconds()).Int()
	if err != nil {
		return false, unavailable("claim epoch", err)
	}
	return won == 1, nil
}

func (r *Redis) ActivateEpoch(ctx context.Context, communityID string, keyID int64, claimant string, shares []model.KeyShare) error {
	args := make([]interface{}, 0, 2+2*len(shares))
	args = append(args, claimant, keyID)
	for i := range shares {
		data, err := model.Marshal(&shares[i])
		if err != nil {
			return fmt.Errorf("failed to encode share: %w", err)
		}
		args = append(args, shares[i].RecipientID, data)
	}

	keys := []string{r.epochKey(communityID, keyID), r.activeKey(communityID), r.shareKey(communityID, keyID)}
	ok, err := activateScript.Run(ctx, r.rdb, keys, args...).Int()
	if err != nil {
		return unavailable("activate epoch", err)
	}
	if ok != 1 {
		return ErrClaimLost
	}
	return nil
}

func (r *Redis) ActiveKeyID(ctx context.Context, communityID string) (int64, error) {
	keyID, err := r.rdb.Get(ctx, r.activeKey(communityID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("active key id", err)
	}
	return keyID, nil
}

func (r *Redis) PutShares(ctx context.Context, shares []model.KeyShare) error {
	if len(shares) == 0 {
		return nil
	}

	pipe := r.rdb.TxPipeline()
	for i := range shares {
		data, err := model.Marshal(&shares[i])
		if err != nil {
			return fmt.Errorf("failed to encode share: %w", err)
		}
		pipe.HSet(ctx, r.shareKey(shares[i].CommunityID, shares[i].KeyID), shares[i].RecipientID, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("put shares", err)
	}
	return nil
}

func (r *Redis) GetShare(ctx context.Context, communityID string, keyID int64, userID string) (*model.KeyShare, error) {
	data, err := r.rdb.HGet(ctx, r.shareKey(communityID, keyID), userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get share", err)
	}
	var s model.KeyShare
	if err := model.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode share: %w", err)
	}
	return &s, nil
}

func (r *Redis) UpsertMarker(ctx context.Context, marker model.MembershipMarker) error {
	data, err := model.Marshal(&marker)
	if err != nil {
		return fmt.Errorf("failed to encode marker: %w", err)
	}
	if err := r.rdb.HSet(ctx, r.markerKey(marker.CommunityID), marker.UserID, data).Err(); err != nil {
		return unavailable("upsert marker", err)
	}
	return nil
}

func (r *Redis) Marker(ctx context.Context, communityID, userID string) (*model.MembershipMarker, error) {
	data, err := r.rdb.HGet(ctx, r.markerKey(communityID), userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get marker", err)
	}
	var m model.MembershipMarker
	if err := model.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode marker: %w", err)
	}
	return &m, nil
}
