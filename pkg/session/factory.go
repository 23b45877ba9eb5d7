package session

import (
	"strings"

	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/config"
	"rcs-ims-core/pkg/errors"
)

// NewStore builds the store selected by cfg.Backend
func NewStore(cfg config.StoreConfig, logger *logrus.Logger) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		logger.WithField("ttl", cfg.RecordTTL).Info("Using in-memory session store")
		return NewMemoryStore(cfg.RecordTTL), nil
	case "redis":
		return NewRedisStore(RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			Database: cfg.RedisDatabase,
			PoolSize: 10,
			TTL:      cfg.RecordTTL,
		}, logger)
	default:
		return nil, errors.Wrap(errors.ErrInvalidInput, "unknown session store backend", map[string]interface{}{
			"backend": cfg.Backend,
		})
	}
}
