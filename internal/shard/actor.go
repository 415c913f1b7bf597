// Copyright 2025 ShardFS Authors
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

package shard

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed reports an operation against a closed shard or manager.
var ErrClosed = errors.New("shard closed")

// Actor owns one shard and runs submitted operations strictly one at a
// time on a dedicated goroutine. Mutual exclusion within a shard is
// structural; no locks are taken around the store.
type Actor struct {
	requests chan func()
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewActor starts the actor goroutine.
func NewActor() *Actor {
	a := &Actor{
		requests: make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Actor) loop() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.requests:
			fn()
		case <-a.quit:
			return
		}
	}
}

// Do runs fn on the actor goroutine and waits for it to finish.
// ctx is honored only while waiting to enqueue; once fn starts it runs
// to completion so no operation is ever interleaved or abandoned
// half-done.
func (a *Actor) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case a.requests <- func() { defer close(ran); fn() }:
	case <-a.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ran:
		return nil
	case <-a.done:
		// The loop may have executed fn right before exiting.
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops the actor after the in-flight operation, if any,
// completes. Safe to call more than once.
func (a *Actor) Close() {
	a.once.Do(func() { close(a.quit) })
	<-a.done
}

// Call runs fn on the actor and returns its result.
func Call[T any](ctx context.Context, a *Actor, fn func() (T, error)) (T, error) {
	var (
		value T
		err   error
	)
	if doErr := a.Do(ctx, func() { value, err = fn() }); doErr != nil {
		return value, doErr
	}
	return value, err
}
