package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/psyho/psyho/pkg/config"
	"github.com/psyho/psyho/pkg/db"
)

// DBStore keeps sessions in the "session" table.
type DBStore struct {
	db    *gorm.DB
	codec Codec
}

func NewDBStore(gdb *gorm.DB, secret string) *DBStore {
	return &DBStore{db: gdb, codec: NewCodec(secret)}
}

func (s *DBStore) Load(ctx context.Context, key string) (map[string]any, error) {
	var row db.Session
	err := s.db.WithContext(ctx).
		Where("session_key = ? AND expire_date > ?", key, time.Now()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	data, err := s.codec.Decode(row.SessionData)
	if err != nil {
		// A row that fails verification is treated as an empty session.
		return map[string]any{}, nil
	}
	return data, nil
}

func (s *DBStore) Save(ctx context.Context, key string, data map[string]any, expiry time.Time) error {
	encoded, err := s.codec.Encode(data)
	if err != nil {
		return err
	}
	row := db.Session{SessionKey: key, SessionData: encoded, ExpireDate: expiry}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_data", "expire_date"}),
	}).Create(&row).Error
}

func (s *DBStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("session_key = ?", key).Delete(&db.Session{}).Error
}

func (s *DBStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&db.Session{}).Where("session_key = ?", key).Count(&n).Error
	return n > 0, err
}

func (s *DBStore) ClearExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expire_date <= ?", time.Now()).Delete(&db.Session{})
	return res.RowsAffected, res.Error
}

// RedisKeyPrefix namespaces cache-backed sessions.
const RedisKeyPrefix = "psyho:session:"

// RedisStore keeps sessions in redis with a TTL; redis expires them itself.
type RedisStore struct {
	rdb   redis.Cmdable
	codec Codec
}

func NewRedisStore(rdb redis.Cmdable, secret string) *RedisStore {
	return &RedisStore{rdb: rdb, codec: NewCodec(secret)}
}

func (s *RedisStore) Load(ctx context.Context, key string) (map[string]any, error) {
	raw, err := s.rdb.Get(ctx, RedisKeyPrefix+key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	data, err := s.codec.Decode(raw)
	if err != nil {
		return map[string]any{}, nil
	}
	return data, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, data map[string]any, expiry time.Time) error {
	encoded, err := s.codec.Encode(data)
	if err != nil {
		return err
	}
	ttl := time.Until(expiry)
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}
	return s.rdb.Set(ctx, RedisKeyPrefix+key, encoded, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, RedisKeyPrefix+key).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, RedisKeyPrefix+key).Result()
	return n > 0, err
}

// ClearExpired is a no-op; redis drops expired keys.
func (s *RedisStore) ClearExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

// NewRedisClient connects to the configured redis server.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewStore picks the engine named by settings. gdb is required for the
// db engine and rdb for the cache engine.
func NewStore(s *config.Settings, gdb *gorm.DB, rdb redis.Cmdable) (Store, error) {
	switch s.Session.Engine {
	case config.SessionEngineDB, "":
		if gdb == nil {
			return nil, errors.New("db session engine needs a database")
		}
		return NewDBStore(gdb, s.SecretKey), nil
	case config.SessionEngineCache:
		if rdb == nil {
			return nil, errors.New("cache session engine needs redis")
		}
		return NewRedisStore(rdb, s.SecretKey), nil
	}
	return nil, fmt.Errorf("unknown session engine %q", s.Session.Engine)
}
