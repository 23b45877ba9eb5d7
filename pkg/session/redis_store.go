package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/errors"
)

// RedisStore keeps session records in Redis. Each record is a JSON value
// with the store TTL; a set per Call-ID indexes the records of a dialog.
type RedisStore struct {
	client    redis.UniversalClient
	logger    *logrus.Logger
	keyPrefix string
	ttl       time.Duration
}

var _ Store = (*RedisStore)(nil)

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Address      string
	Password     string
	Database     int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TTL          time.Duration
	KeyPrefix    string
}

// NewRedisStore connects to Redis and checks the connection
func NewRedisStore(config RedisConfig, logger *logrus.Logger) (*RedisStore, error) {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.Database,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(errors.ErrUnavailable, "failed to connect to Redis", map[string]interface{}{
			"address": config.Address,
			"cause":   err.Error(),
		})
	}

	store := NewRedisStoreWithClient(client, config.TTL, config.KeyPrefix, logger)
	logger.WithFields(logrus.Fields{
		"address":  config.Address,
		"database": config.Database,
		"ttl":      config.TTL,
	}).Info("Redis session store initialized")
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, ttl time.Duration, keyPrefix string, logger *logrus.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "rcs:session:"
	}
	return &RedisStore{
		client:    client,
		logger:    logger,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (r *RedisStore) Name() string { return "redis" }

// Store saves record and indexes it under its Call-ID
func (r *RedisStore) Store(record *Record) error {
	if record == nil || record.SessionID == "" {
		return errors.Wrap(errors.ErrInvalidInput, "record without session id")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record.LastUpdate = time.Now()
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session record")
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(record.SessionID), data, r.ttl)
	if record.CallID != "" {
		index := r.callIndexKey(record.CallID)
		pipe.SAdd(ctx, index, record.SessionID)
		if r.ttl > 0 {
			pipe.Expire(ctx, index, r.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.NewSipNetwork("failed to store session record in Redis", err)
	}

	r.logger.WithFields(logrus.Fields{
		"session_id": record.SessionID,
		"call_id":    record.CallID,
		"state":      record.State,
	}).Debug("Session record stored in Redis")
	return nil
}

// Get retrieves the record of sessionID
func (r *RedisStore) Get(sessionID string) (*Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := r.client.Get(ctx, r.recordKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, errors.NewSessionNotFound(sessionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get session record from Redis")
	}
	return decodeRecord(data)
}

// Delete removes the record of sessionID and its index entry
func (r *RedisStore) Delete(sessionID string) error {
	record, err := r.Get(sessionID)
	if err != nil && !errors.IsErrorType(err, errors.ErrSessionNotFound) {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.recordKey(sessionID))
	if record != nil && record.CallID != "" {
		pipe.SRem(ctx, r.callIndexKey(record.CallID), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to delete session record from Redis")
	}
	r.logger.WithField("session_id", sessionID).Debug("Session record deleted from Redis")
	return nil
}

// List returns every stored record
func (r *RedisStore) List() ([]*Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var keys []string
	iter := r.client.Scan(ctx, 0, r.recordKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list session records")
	}
	return r.getMany(ctx, keys)
}

// ListByCallID returns the records indexed under callID
func (r *RedisStore) ListByCallID(callID string) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids, err := r.client.SMembers(ctx, r.callIndexKey(callID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read Call-ID index")
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.recordKey(id)
	}
	return r.getMany(ctx, keys)
}

// getMany reads keys in one pipeline, skipping expired or unreadable records
func (r *RedisStore) getMany(ctx context.Context, keys []string) ([]*Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "failed to execute batch get")
	}

	var records []*Record
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}
		record, err := decodeRecord(data)
		if err != nil {
			r.logger.WithError(err).Warn("Failed to parse session record from Redis")
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Health pings the server
func (r *RedisStore) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) recordKey(sessionID string) string {
	return r.keyPrefix + "record:" + sessionID
}

func (r *RedisStore) callIndexKey(callID string) string {
	return fmt.Sprintf("%scall:%s", r.keyPrefix, callID)
}

func decodeRecord(data string) (*Record, error) {
	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session record")
	}
	return &record, nil
}
