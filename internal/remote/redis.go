package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"worksite/api/internal/store"
)

const defaultPrefix = "worksite:"

// RedisStore keeps shared documents in Redis: the activity list as a
// single JSON value, progress and unit records as hash fields, and one
// pub/sub channel per collection for change delivery.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the Redis instance at url and verifies the
// connection before returning.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client, prefix: defaultPrefix}, nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: defaultPrefix}
}

func (r *RedisStore) activitiesKey() string         { return r.prefix + "doc:activities" }
func (r *RedisStore) recordsKey() string            { return r.prefix + "doc:records" }
func (r *RedisStore) hashKey(collection string) string { return r.prefix + collection }
func (r *RedisStore) channel(collection string) string { return r.prefix + "changes:" + collection }

func (r *RedisStore) LoadActivities(ctx context.Context) (ActivitiesDoc, bool, error) {
	raw, err := r.client.Get(ctx, r.activitiesKey()).Result()
	if err == redis.Nil {
		return ActivitiesDoc{}, false, nil
	}
	if err != nil {
		return ActivitiesDoc{}, false, fmt.Errorf("load activities doc: %w", err)
	}
	var doc ActivitiesDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return ActivitiesDoc{}, false, fmt.Errorf("decode activities doc: %w", err)
	}
	return doc, true, nil
}

func (r *RedisStore) SaveActivities(ctx context.Context, list []store.Activity, by Identity) error {
	doc := ActivitiesDoc{Activities: list, UpdatedBy: by.Email, UpdatedAt: time.Now().UTC()}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode activities doc: %w", err)
	}
	if err := r.client.Set(ctx, r.activitiesKey(), payload, 0).Err(); err != nil {
		return fmt.Errorf("save activities doc: %w", err)
	}
	return nil
}

func (r *RedisStore) saveField(ctx context.Context, collection, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", collection, err)
	}
	created, err := r.client.HSet(ctx, r.hashKey(collection), key, payload).Result()
	if err != nil {
		return fmt.Errorf("save %s record: %w", collection, err)
	}
	typ := ChangeModified
	if created > 0 {
		typ = ChangeAdded
	}
	r.publish(ctx, ChangeEvent{Collection: collection, Type: typ, Key: key, Payload: payload})
	return nil
}

func (r *RedisStore) deleteField(ctx context.Context, collection, key string) error {
	removed, err := r.client.HDel(ctx, r.hashKey(collection), key).Result()
	if err != nil {
		return fmt.Errorf("delete %s record: %w", collection, err)
	}
	if removed > 0 {
		r.publish(ctx, ChangeEvent{Collection: collection, Type: ChangeRemoved, Key: key})
	}
	return nil
}

func (r *RedisStore) publish(ctx context.Context, ev ChangeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.channel(ev.Collection), payload).Err(); err != nil {
		log.Printf("redis publish %s change: %v", ev.Collection, err)
	}
}

func (r *RedisStore) loadHash(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	fields, err := r.client.HGetAll(ctx, r.hashKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s collection: %w", collection, err)
	}
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

func (r *RedisStore) LoadProgress(ctx context.Context) (map[string]store.ProgressRecord, error) {
	raw, err := r.loadHash(ctx, CollectionProgress)
	if err != nil {
		return nil, err
	}
	out := make(map[string]store.ProgressRecord, len(raw))
	for k, v := range raw {
		var rec store.ProgressRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			log.Printf("skip malformed progress record %q: %v", k, err)
			continue
		}
		out[k] = rec
	}
	return out, nil
}

func (r *RedisStore) SaveProgress(ctx context.Context, key string, rec store.ProgressRecord) error {
	return r.saveField(ctx, CollectionProgress, key, rec)
}

func (r *RedisStore) DeleteProgress(ctx context.Context, key string) error {
	return r.deleteField(ctx, CollectionProgress, key)
}

func (r *RedisStore) LoadUnits(ctx context.Context) (map[string]store.UnitCount, error) {
	raw, err := r.loadHash(ctx, CollectionUnits)
	if err != nil {
		return nil, err
	}
	out := make(map[string]store.UnitCount, len(raw))
	for k, v := range raw {
		var uc store.UnitCount
		if err := json.Unmarshal(v, &uc); err != nil {
			log.Printf("skip malformed unit record %q: %v", k, err)
			continue
		}
		out[k] = uc
	}
	return out, nil
}

func (r *RedisStore) SaveUnits(ctx context.Context, key string, uc store.UnitCount) error {
	return r.saveField(ctx, CollectionUnits, key, uc)
}

func (r *RedisStore) DeleteUnits(ctx context.Context, key string) error {
	return r.deleteField(ctx, CollectionUnits, key)
}

func (r *RedisStore) LoadRecords(ctx context.Context) (RecordsDoc, bool, error) {
	raw, err := r.client.Get(ctx, r.recordsKey()).Result()
	if err == redis.Nil {
		return RecordsDoc{}, false, nil
	}
	if err != nil {
		return RecordsDoc{}, false, fmt.Errorf("load records doc: %w", err)
	}
	var doc RecordsDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return RecordsDoc{}, false, fmt.Errorf("decode records doc: %w", err)
	}
	return doc, true, nil
}

func (r *RedisStore) SaveRecords(ctx context.Context, list []store.DailyRecord, by Identity) error {
	doc := RecordsDoc{Records: list, UpdatedBy: by.Email, UpdatedAt: time.Now().UTC()}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode records doc: %w", err)
	}
	if err := r.client.Set(ctx, r.recordsKey(), payload, 0).Err(); err != nil {
		return fmt.Errorf("save records doc: %w", err)
	}
	// Document-level collection: no payload, subscribers refetch.
	r.publish(ctx, ChangeEvent{Collection: CollectionRecords, Type: ChangeModified, Key: "records"})
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan ChangeEvent
}

func (s *redisSubscription) Events() <-chan ChangeEvent { return s.events }
func (s *redisSubscription) Close() error               { return s.pubsub.Close() }

// Subscribe opens a pub/sub feed for one collection. Events published
// by this same process are delivered too; the reconciler's echo check
// is what keeps them from looping.
func (r *RedisStore) Subscribe(ctx context.Context, collection string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, r.channel(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s changes: %w", collection, err)
	}
	sub := &redisSubscription{pubsub: pubsub, events: make(chan ChangeEvent, 16)}
	go func() {
		defer close(sub.events)
		for msg := range pubsub.Channel() {
			var ev ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("drop malformed %s change event: %v", collection, err)
				continue
			}
			sub.events <- ev
		}
	}()
	return sub, nil
}

func (r *RedisStore) User(ctx context.Context, email string) (store.User, bool, error) {
	raw, err := r.client.HGet(ctx, r.hashKey("users"), normalizeEmail(email)).Result()
	if err == redis.Nil {
		return store.User{}, false, nil
	}
	if err != nil {
		return store.User{}, false, fmt.Errorf("load user: %w", err)
	}
	var u store.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return store.User{}, false, fmt.Errorf("decode user: %w", err)
	}
	return u, true, nil
}

func (r *RedisStore) SaveUser(ctx context.Context, u store.User) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := r.client.HSet(ctx, r.hashKey("users"), normalizeEmail(u.Email), payload).Err(); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (r *RedisStore) PendingUsers(ctx context.Context) ([]store.User, error) {
	fields, err := r.client.HGetAll(ctx, r.hashKey("users")).Result()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var pending []store.User
	for k, v := range fields {
		var u store.User
		if err := json.Unmarshal([]byte(v), &u); err != nil {
			log.Printf("skip malformed user record %q: %v", k, err)
			continue
		}
		if !u.Approved {
			pending = append(pending, u)
		}
	}
	return pending, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error { return r.client.Close() }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
