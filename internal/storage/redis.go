package storage

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/aiatrade/pricestream/internal/config"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

// Redis is for connecting and writing price data to redis.
// Each price record is stored under its own key with a TTL, and a sorted
// set keyed by publish time indexes the instruments with a live record.
type Redis struct {
	Client   *redis.Client
	Cfg      *config.Redis
	priceTTL time.Duration
	indexTTL time.Duration
}

var rdb Redis

// RecordTimestamp is used as a format for the stored price timestamps.
const RecordTimestamp = time.RFC3339Nano

// InitRedis initializes redis connection with configured values and checks
// it with a ping.
func InitRedis(cfg *config.Redis, ttl *config.TTL) (*Redis, error) {
	if rdb.Client == nil {
		client := redis.NewClient(&redis.Options{
			Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: time.Duration(cfg.ConnTimeoutSec) * time.Second,
		})

		var ctx context.Context
		if cfg.ReqTimeoutSec > 0 {
			timeoutCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ReqTimeoutSec)*time.Second)
			ctx = timeoutCtx
			defer cancel()
		} else {
			ctx = context.Background()
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		priceTTL, indexTTL := resolveTTLs(ttl)
		rdb = Redis{
			Client:   client,
			Cfg:      cfg,
			priceTTL: priceTTL,
			indexTTL: indexTTL,
		}
	}
	return &rdb, nil
}

// GetRedis returns already prepared redis instance.
func GetRedis() *Redis {
	return &rdb
}

// resolveTTLs converts configured TTL seconds to durations. A zero index
// TTL inherits the price record TTL.
func resolveTTLs(ttl *config.TTL) (time.Duration, time.Duration) {
	priceTTL := time.Duration(ttl.PriceDataSec) * time.Second
	indexTTL := priceTTL
	if ttl.PriceIndexSec > 0 {
		indexTTL = time.Duration(ttl.PriceIndexSec) * time.Second
	}
	return priceTTL, indexTTL
}

// Name returns the storage name.
func (r *Redis) Name() string {
	return "redis"
}

func (r *Redis) priceKey(instrument string) string {
	return r.Cfg.KeyPrefix + instrument
}

func (r *Redis) indexKey() string {
	return r.Cfg.KeyPrefix + "index"
}

// CommitPrices batch writes input price data to redis in one pipelined
// round trip. For every record the keyed value is overwritten with a fresh
// TTL and the instrument is scored into the live index with the publish
// time. Stale index members are pruned in the same pipeline, so the index
// stays consistent with record expiry within one TTL window.
func (r *Redis) CommitPrices(appCtx context.Context, data []PriceRecord) error {
	var ctx context.Context
	if r.Cfg.ReqTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(appCtx, time.Duration(r.Cfg.ReqTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	} else {
		ctx = appCtx
	}

	now := time.Now().UTC()
	pipe := r.Client.Pipeline()
	for i := range data {
		record := data[i]
		payload, err := jsoniter.Marshal(priceRow{
			Timestamp:  record.Timestamp.UTC().Format(RecordTimestamp),
			Instrument: record.Instrument,
			Price:      record.Price,
			Bid:        record.Bid,
			Ask:        record.Ask,
			SpreadPips: record.SpreadPips,
			Movement:   record.Movement,
			Tradeable:  record.Tradeable,
		})
		if err != nil {
			return err
		}
		pipe.Set(ctx, r.priceKey(record.Instrument), payload, r.priceTTL)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(now.Unix()), Member: record.Instrument})
	}
	cutoff := strconv.FormatInt(now.Add(-r.indexTTL).Unix(), 10)
	pipe.ZRemRangeByScore(ctx, r.indexKey(), "-inf", cutoff)
	pipe.Expire(ctx, r.indexKey(), r.indexTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return nil
}

// SweepIndex prunes index members older than the index TTL and returns the
// number removed. Records expire on their own, the sweep keeps the index
// honest for instruments which stopped ticking.
func (r *Redis) SweepIndex(appCtx context.Context) (int64, error) {
	var ctx context.Context
	if r.Cfg.ReqTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(appCtx, time.Duration(r.Cfg.ReqTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	} else {
		ctx = appCtx
	}
	cutoff := strconv.FormatInt(time.Now().UTC().Add(-r.indexTTL).Unix(), 10)
	removed, err := r.Client.ZRemRangeByScore(ctx, r.indexKey(), "-inf", cutoff).Result()
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// PurgePrices deletes all stored price records and the index, and returns
// the number of deleted keys.
func (r *Redis) PurgePrices(appCtx context.Context) (int64, error) {
	var ctx context.Context
	if r.Cfg.ReqTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(appCtx, time.Duration(r.Cfg.ReqTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	} else {
		ctx = appCtx
	}

	var deleted int64
	keys := make([]string, 0, 100)
	iter := r.Client.Scan(ctx, 0, r.Cfg.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 100 {
			n, err := r.Client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += n
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	if len(keys) > 0 {
		n, err := r.Client.Del(ctx, keys...).Result()
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

// NextCommand blocks for the next operator command payload on the list.
func (r *Redis) NextCommand(ctx context.Context, list string) ([]byte, error) {
	res, err := r.Client.BRPop(ctx, 0, list).Result()
	if err != nil {
		return nil, err
	}
	return []byte(res[1]), nil
}

// PushResponse appends a response payload to the list.
func (r *Redis) PushResponse(appCtx context.Context, list string, payload []byte) error {
	var ctx context.Context
	if r.Cfg.ReqTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(appCtx, time.Duration(r.Cfg.ReqTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	} else {
		ctx = appCtx
	}
	return r.Client.LPush(ctx, list, payload).Err()
}
