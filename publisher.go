package main

import (
	"context"
	"errors"
	"sync"

	"github.com/mahirjain10/video-workers/internal/pipeline"
	"github.com/mahirjain10/video-workers/internal/types"
)

// lazyPublisher lets the aggregator be built before the transport that publishes for it.
type lazyPublisher struct {
	mu     sync.RWMutex
	target pipeline.Publisher
}

func (p *lazyPublisher) set(target pipeline.Publisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = target
}

func (p *lazyPublisher) PublishResult(ctx context.Context, msg types.ResultMessage) error {
	p.mu.RLock()
	target := p.target
	p.mu.RUnlock()
	if target == nil {
		return errors.New("no result publisher configured")
	}
	return target.PublishResult(ctx, msg)
}
