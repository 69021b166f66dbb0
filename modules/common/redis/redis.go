package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"gen-dispatch-server/modules/common/config"
)

// Connect - Redis 연결 생성
func Connect(cfg *config.Config) *redis.Client {
	log.Printf("🔌 Connecting to Redis: %s", cfg.GetRedisAddr())

	var tlsConfig *tls.Config
	if cfg.RedisUseTLS {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true,
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisAddr(),
		Username:     cfg.RedisUsername,
		Password:     cfg.RedisPassword,
		TLSConfig:    tlsConfig,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	// 연결 테스트
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Printf("🔍 Testing Redis connection...")
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("❌ Redis ping failed: %v", err)
		return nil
	}

	return rdb
}

// Queue - job intake 리스트 (LPUSH / BRPOP)
type Queue struct {
	rdb *redis.Client
	key string
}

// NewQueue - Queue 생성
func NewQueue(rdb *redis.Client, key string) *Queue {
	return &Queue{rdb: rdb, key: key}
}

// Name - 리스트 key
func (q *Queue) Name() string { return q.key }

// Enqueue - job_id 를 넣고 현재 queue 길이를 반환
func (q *Queue) Enqueue(ctx context.Context, jobID string) (int64, error) {
	if err := q.rdb.LPush(ctx, q.key, jobID).Err(); err != nil {
		return 0, fmt.Errorf("redis LPUSH %s: %w", q.key, err)
	}
	queueLen, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, nil
	}
	return queueLen, nil
}

// Pop - timeout 동안 대기. 비어 있으면 ("", nil)
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis BRPOP %s: %w", q.key, err)
	}
	// result[0] 은 key, result[1] 이 job_id
	return result[1], nil
}

// MaintenanceFlag - 점검 모드 플래그 (key 존재 = on)
type MaintenanceFlag struct {
	rdb *redis.Client
	key string
}

// NewMaintenanceFlag - MaintenanceFlag 생성
func NewMaintenanceFlag(rdb *redis.Client, key string) *MaintenanceFlag {
	return &MaintenanceFlag{rdb: rdb, key: key}
}

// Enabled - 조회 실패 시 점검 모드가 아닌 것으로 간주
func (m *MaintenanceFlag) Enabled(ctx context.Context) bool {
	n, err := m.rdb.Exists(ctx, m.key).Result()
	if err != nil {
		log.Printf("⚠️ [Maintenance] Failed to read flag %s: %v", m.key, err)
		return false
	}
	return n > 0
}

// SetEnabled - 점검 모드 on/off
func (m *MaintenanceFlag) SetEnabled(ctx context.Context, on bool) error {
	if on {
		return m.rdb.Set(ctx, m.key, time.Now().UTC().Format(time.RFC3339), 0).Err()
	}
	return m.rdb.Del(ctx, m.key).Err()
}
