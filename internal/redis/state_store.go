package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

const (
	statusTTL         = 24 * time.Hour
	terminalStatusTTL = time.Hour
	activeSetKey      = "wo:active"
)

func statusKey(workOrderID string) string { return "wo:status:" + workOrderID }

// StatusStore caches live work order status.
type StatusStore interface {
	SetStatus(ctx context.Context, s domain.LiveStatus) error
	GetStatus(ctx context.Context, workOrderID string) (domain.LiveStatus, error)
	ActiveIDs(ctx context.Context) ([]string, error)
}

type statusStore struct {
	client *redis.Client
}

// NewStatusStore creates a Redis-backed StatusStore.
func NewStatusStore(client *redis.Client) StatusStore {
	return &statusStore{client: client}
}

// SetStatus writes s and keeps the active set in step: terminal work orders
// leave it and expire sooner.
func (s *statusStore) SetStatus(ctx context.Context, st domain.LiveStatus) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal live status: %w", err)
	}

	ttl := statusTTL
	pipe := s.client.TxPipeline()
	if st.Status.IsTerminal() {
		ttl = terminalStatusTTL
		pipe.SRem(ctx, activeSetKey, st.WorkOrderID)
	} else {
		pipe.SAdd(ctx, activeSetKey, st.WorkOrderID)
	}
	pipe.Set(ctx, statusKey(st.WorkOrderID), data, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set status for %s: %w", st.WorkOrderID, err)
	}
	return nil
}

func (s *statusStore) GetStatus(ctx context.Context, workOrderID string) (domain.LiveStatus, error) {
	data, err := s.client.Get(ctx, statusKey(workOrderID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.LiveStatus{}, &domain.WorkOrderNotFoundError{WorkOrderID: workOrderID}
		}
		return domain.LiveStatus{}, fmt.Errorf("redis get status for %s: %w", workOrderID, err)
	}
	var st domain.LiveStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.LiveStatus{}, fmt.Errorf("unmarshal live status: %w", err)
	}
	return st, nil
}

func (s *statusStore) ActiveIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis active work orders: %w", err)
	}
	return ids, nil
}
