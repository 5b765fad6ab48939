package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/canonlabs/ledgerd/internal/core/domain"
)

const retryBlockTTL = 7 * 24 * time.Hour

// RetryQueue parks unrecoverable blocks per chain: the block payload lives
// under its own key, a sorted set scored by retry count orders the queue so
// repeatedly failing blocks sink to the back.
type RetryQueue struct {
	rdb *redis.Client
}

// NewRetryQueue creates the retry queue on an existing client.
func NewRetryQueue(c *Client) *RetryQueue {
	return &RetryQueue{rdb: c.rdb}
}

func (q *RetryQueue) queueKey(chainID domain.ChainID) string {
	return fmt.Sprintf("retry_blocks:%s", chainID)
}

func (q *RetryQueue) blockKey(id string) string {
	return fmt.Sprintf("retry_block:%s", id)
}

// Enqueue parks a block for operator-driven reprocessing.
func (q *RetryQueue) Enqueue(ctx context.Context, rb *domain.RetryBlock) error {
	data, err := json.Marshal(rb)
	if err != nil {
		return fmt.Errorf("failed to marshal retry block: %w", err)
	}

	if err := q.rdb.Set(ctx, q.blockKey(rb.ID), data, retryBlockTTL).Err(); err != nil {
		return fmt.Errorf("failed to store retry block: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, q.queueKey(rb.ChainID), redis.Z{
		Score:  float64(rb.RetryCount),
		Member: rb.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue retry block: %w", err)
	}
	return nil
}

// Next returns the lowest-retry-count parked block, or nil when empty.
func (q *RetryQueue) Next(ctx context.Context, chainID domain.ChainID) (*domain.RetryBlock, error) {
	ids, err := q.rdb.ZRange(ctx, q.queueKey(chainID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	data, err := q.rdb.Get(ctx, q.blockKey(ids[0])).Bytes()
	if errors.Is(err, redis.Nil) {
		// Payload expired; drop the dangling queue entry.
		_ = q.rdb.ZRem(ctx, q.queueKey(chainID), ids[0]).Err()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get retry block: %w", err)
	}

	var rb domain.RetryBlock
	if err := json.Unmarshal(data, &rb); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retry block: %w", err)
	}
	return &rb, nil
}

// MarkAttempted bumps a parked block's retry count and re-scores it.
func (q *RetryQueue) MarkAttempted(ctx context.Context, rb *domain.RetryBlock) error {
	rb.RetryCount++
	rb.LastAttempt = uint64(time.Now().Unix())

	data, err := json.Marshal(rb)
	if err != nil {
		return fmt.Errorf("failed to marshal retry block: %w", err)
	}
	if err := q.rdb.Set(ctx, q.blockKey(rb.ID), data, retryBlockTTL).Err(); err != nil {
		return fmt.Errorf("failed to update retry block: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, q.queueKey(rb.ChainID), redis.Z{
		Score:  float64(rb.RetryCount),
		Member: rb.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to re-score retry block: %w", err)
	}
	return nil
}

// Resolve removes a successfully reprocessed block from the queue.
func (q *RetryQueue) Resolve(ctx context.Context, chainID domain.ChainID, id string) error {
	if err := q.rdb.ZRem(ctx, q.queueKey(chainID), id).Err(); err != nil {
		return fmt.Errorf("failed to remove from queue: %w", err)
	}
	if err := q.rdb.Del(ctx, q.blockKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete retry block: %w", err)
	}
	return nil
}

// List retrieves every parked block for a chain.
func (q *RetryQueue) List(ctx context.Context, chainID domain.ChainID) ([]*domain.RetryBlock, error) {
	ids, err := q.rdb.ZRange(ctx, q.queueKey(chainID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	blocks := make([]*domain.RetryBlock, 0, len(ids))
	for _, id := range ids {
		data, err := q.rdb.Get(ctx, q.blockKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get retry block: %w", err)
		}
		var rb domain.RetryBlock
		if err := json.Unmarshal(data, &rb); err != nil {
			continue
		}
		blocks = append(blocks, &rb)
	}
	return blocks, nil
}

// Count returns the number of parked blocks for a chain.
func (q *RetryQueue) Count(ctx context.Context, chainID domain.ChainID) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.queueKey(chainID)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(n), nil
}
