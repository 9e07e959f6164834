package tasks

import (
	"context"
)

// PoolInterface is the worker pool used by the refresh executor.
//
//	pool := NewPool(DefaultPoolConfig())
//	pool.Start()
//	defer pool.Stop()
//	pool.EnqueueTask(NewRefreshFeedTask(...))
type PoolInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
}

// FeedFetcher downloads a feed document.
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}
