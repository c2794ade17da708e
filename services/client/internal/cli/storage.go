package cli

import (
	"fmt"

	"pingai/pkg/chatstore"
	"pingai/services/client/internal/config"
)

// openStorage builds the blob store holding chats and the session.
func openStorage(cfg config.StorageConfig) (chatstore.Storage, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		rs, err := chatstore.NewRedisStorage(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("init redis storage: %w", err)
		}
		return rs, nil
	case config.BackendS3:
		obj, err := chatstore.NewObjectStorage(chatstore.ObjectStorageConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		return obj, nil
	default:
		fs, err := chatstore.NewFileStorage(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("init file storage: %w", err)
		}
		return fs, nil
	}
}
