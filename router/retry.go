// Copyright 2025 The keyspace Authors
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

package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/keyspace-io/keyspace/common"
	"github.com/keyspace-io/keyspace/model"
)

const DefaultMaxRouteRetries = 5

// RetryRouter composes a retry/backoff policy around a Router. The
// routing logic itself never retries; callers that want retry-on-
// unavailable wrap the router with this policy.
type RetryRouter struct {
	router     *Router
	maxRetries uint64
	log        *slog.Logger
}

func NewRetryRouter(router *Router, maxRetries uint64) *RetryRouter {
	if maxRetries == 0 {
		maxRetries = DefaultMaxRouteRetries
	}
	return &RetryRouter{
		router:     router,
		maxRetries: maxRetries,
		log: slog.With(
			slog.String("component", "retry-router"),
		),
	}
}

func (r *RetryRouter) Route(ctx context.Context, req ReadRequest) (model.Node, error) {
	return r.retry(ctx, func() (model.Node, error) {
		return r.router.Route(ctx, req)
	})
}

func (r *RetryRouter) RouteWrite(ctx context.Context, key []byte) (model.Node, error) {
	return r.retry(ctx, func() (model.Node, error) {
		return r.router.RouteWrite(ctx, key)
	})
}

func (r *RetryRouter) retry(ctx context.Context, route func() (model.Node, error)) (model.Node, error) {
	return backoff.RetryNotifyWithData(
		func() (model.Node, error) {
			node, err := route()
			if err != nil && !errors.Is(err, ErrShardUnavailable) {
				// Misuse or empty ring: retrying cannot help
				return node, backoff.Permanent(err)
			}
			return node, err
		},
		backoff.WithMaxRetries(common.NewBackOff(ctx), r.maxRetries),
		func(err error, duration time.Duration) {
			r.log.Warn(
				"Routing failed, retrying later",
				slog.Any("error", err),
				slog.Duration("retry-after", duration),
			)
		})
}
