package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"signal-desk/internal/domain"
	"signal-desk/internal/logger"

	"github.com/redis/go-redis/v9"
)

const (
	SnapshotKey     = "signal-desk:snapshot:latest"
	SnapshotChannel = "signal-desk:snapshots"
	snapshotTTL     = 10 * time.Minute
)

var Client *redis.Client

// InitRedis connects when REDIS_URL is set. Without it snapshots stay in-process only.
func InitRedis(ctx context.Context) {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		logger.Warnf("REDIS_URL not set, snapshot publishing to Redis disabled")
		return
	}
	opts, err := parseRedisURL(addr)
	if err != nil {
		logger.Fatalf("invalid REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatalf("failed to connect to Redis: %v", err)
	}
	Client = client
	logger.Infof("Connected to Redis")
}

func parseRedisURL(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		return redis.ParseURL(addr)
	}
	return &redis.Options{Addr: addr}, nil
}

// SnapshotPublisher mirrors each published snapshot into Redis for out-of-process readers.
type SnapshotPublisher struct {
	client *redis.Client
}

func NewSnapshotPublisher(client *redis.Client) *SnapshotPublisher {
	return &SnapshotPublisher{client: client}
}

func (p *SnapshotPublisher) PublishSnapshot(ctx context.Context, s domain.Snapshot) error {
	if p == nil || p.client == nil {
		return nil
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, SnapshotKey, payload, snapshotTTL)
	pipe.Publish(ctx, SnapshotChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish snapshot %d: %w", s.Sequence, err)
	}
	return nil
}

// LatestSnapshot reads back the mirrored snapshot. redis.Nil maps to domain.ErrNotFound.
func (p *SnapshotPublisher) LatestSnapshot(ctx context.Context) (domain.Snapshot, error) {
	if p == nil || p.client == nil {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	raw, err := p.client.Get(ctx, SnapshotKey).Bytes()
	if err == redis.Nil {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	var s domain.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}
