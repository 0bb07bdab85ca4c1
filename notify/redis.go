package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	scheduleKey = "spoolshare:alerts"
	payloadKey  = "spoolshare:alerts:payload"
)

// RedisScheduler keeps alerts in a sorted set scored by notify time, with the
// payloads in a hash keyed the same way.
type RedisScheduler struct {
	client *redis.Client
}

func NewRedisScheduler(client *redis.Client) *RedisScheduler {
	return &RedisScheduler{client: client}
}

func (s *RedisScheduler) ScheduleExpirationAlert(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, payloadKey, alert.Key(), payload)
		pipe.ZAdd(ctx, scheduleKey, redis.Z{Score: float64(alert.NotifyAt.Unix()), Member: alert.Key()})
		return nil
	})
	return errors.Wrap(err, "schedule alert")
}

func (s *RedisScheduler) CancelExpirationAlert(ctx context.Context, userID, filamentID string) error {
	key := alertKey(userID, filamentID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, scheduleKey, key)
		pipe.HDel(ctx, payloadKey, key)
		return nil
	})
	return errors.Wrap(err, "cancel alert")
}

// Due claims and returns the alerts whose notify time has passed. An alert is
// claimed by removing it from the sorted set, so with several nodes polling
// each alert is returned once.
func (s *RedisScheduler) Due(ctx context.Context, now time.Time) ([]Alert, error) {
	keys, err := s.client.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list due alerts")
	}

	var alerts []Alert
	for _, key := range keys {
		claimed, err := s.client.ZRem(ctx, scheduleKey, key).Result()
		if err != nil {
			return alerts, errors.Wrap(err, "claim alert")
		}
		if claimed == 0 {
			continue
		}
		var payload *redis.StringCmd
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			payload = pipe.HGet(ctx, payloadKey, key)
			pipe.HDel(ctx, payloadKey, key)
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return alerts, errors.Wrap(err, "load alert")
		}
		raw, err := payload.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return alerts, errors.Wrap(err, "load alert")
		}

		var alert Alert
		if err := json.Unmarshal([]byte(raw), &alert); err != nil {
			log.WithError(err).WithField("key", key).Warn("dropping unreadable alert")
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}
