// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sideio implements the side-IO queue from §5: a single-worker
// auxiliary queue for operations that must run with elevated credentials
// — opacity probes and whiteout unlinks under directories the calling
// user may not otherwise be able to write. Every request is a tagged
// union of operation kind plus arguments, submitted and awaited, in the
// same shape as the teacher's gcsproxy.Manager staging queue, but backed
// by golang.org/x/sync/errgroup instead of a bespoke goroutine+channel
// pair.
package sideio

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/stackfs/stackfs/internal/dirio"
	"github.com/stackfs/stackfs/metrics"
)

// Kind tags the operation a Request carries.
type Kind int

const (
	KindProbeOpaque Kind = iota
	KindUnlink
	KindCreateWhiteout
)

// Request is the tagged-union submission: exactly the fields relevant to
// Kind are consulted.
type Request struct {
	Kind Kind
	Dir  dirio.Dir
	Name string
}

// Result is the tagged-union response.
type Result struct {
	Found bool  // KindProbeOpaque
	Err   error // all kinds
}

// job pairs a Request with the channel its Result should be delivered on.
type job struct {
	req    Request
	result chan<- Result
}

// Queue is the single-worker side-IO queue. One Queue is created per mount
// and run for the mount's lifetime.
type Queue struct {
	jobs   chan job
	cancel context.CancelFunc
	group  *errgroup.Group
	depth  atomic.Int64

	// Metrics is optional; a nil Metrics records nothing.
	Metrics metrics.Recorder
}

// New starts the worker goroutine under ctx. Call Close to stop it.
func New(ctx context.Context) *Queue {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	q := &Queue{
		jobs:   make(chan job, 64),
		cancel: cancel,
		group:  g,
	}

	g.Go(func() error {
		return q.run(gctx)
	})

	return q
}

func (q *Queue) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-q.jobs:
			j.result <- q.execute(ctx, j.req)
		}
	}
}

func (q *Queue) execute(ctx context.Context, req Request) Result {
	switch req.Kind {
	case KindProbeOpaque:
		_, found, err := req.Dir.Lookup(ctx, req.Name)
		return Result{Found: found, Err: err}

	case KindUnlink:
		return Result{Err: req.Dir.Unlink(ctx, req.Name)}

	case KindCreateWhiteout:
		f, err := req.Dir.Create(ctx, req.Name, 0o644)
		if err != nil {
			return Result{Err: err}
		}
		err = f.Close()
		if err == nil && q.Metrics != nil {
			q.Metrics.RecordWhiteout(ctx)
		}
		return Result{Err: err}

	default:
		return Result{Err: fmt.Errorf("sideio: unknown request kind %d", req.Kind)}
	}
}

// Submit enqueues req and blocks for its Result, or returns ctx's error if
// it is canceled first. The queue depth gauge brackets the whole
// enqueued-or-running lifetime of req, not just the time it sits in the
// channel buffer.
func (q *Queue) Submit(ctx context.Context, req Request) (Result, error) {
	q.reportDepth(q.depth.Add(1))
	defer q.reportDepth(q.depth.Add(-1))

	resultCh := make(chan Result, 1)
	select {
	case q.jobs <- job{req: req, result: resultCh}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case res := <-resultCh:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (q *Queue) reportDepth(n int64) {
	if q.Metrics != nil {
		q.Metrics.SetSideIOQueueDepth(int(n))
	}
}

// Close stops the worker and waits for it to exit.
func (q *Queue) Close() error {
	q.cancel()
	return q.group.Wait()
}
