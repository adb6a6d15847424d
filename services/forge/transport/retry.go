// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// RetryConfig controls the retrying transport decorator.
type RetryConfig struct {
	// MaxAttempts is the total number of tries per Send, including the
	// first. Default: 3.
	MaxAttempts int

	// BaseBackoff is the delay before the first retry; subsequent
	// retries double it, with up to 50% jitter. Default: 50ms.
	BaseBackoff time.Duration

	// SendsPerSecond caps the aggregate outbound rate across all peers.
	// Zero disables rate limiting.
	SendsPerSecond float64
}

// DefaultRetryConfig returns defaults suitable for replication traffic.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 50 * time.Millisecond,
	}
}

// RetryTransport decorates a Transport with bounded retries.
//
// # Description
//
// Used on best-effort paths (replication) where a transient peer failure
// should not be surfaced immediately. Migration deliberately bypasses
// this decorator: a migrate message must not be re-sent after an
// ambiguous failure, or two peers could both believe they own the
// resource.
//
// # Thread Safety
//
// Safe for concurrent use.
type RetryTransport struct {
	inner   Transport
	config  RetryConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRetryTransport wraps inner with retry behavior.
func NewRetryTransport(inner Transport, cfg RetryConfig, logger *slog.Logger) *RetryTransport {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultRetryConfig().BaseBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.SendsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), 1)
	}

	return &RetryTransport{
		inner:   inner,
		config:  cfg,
		limiter: limiter,
		logger:  logger,
	}
}

// Send attempts delivery up to MaxAttempts times with exponential
// backoff. The last error is returned if all attempts fail.
func (t *RetryTransport) Send(ctx context.Context, peer PeerID, msg Message) (Ack, error) {
	var lastErr error

	backoff := t.config.BaseBackoff
	for attempt := 1; attempt <= t.config.MaxAttempts; attempt++ {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return Ack{}, &SendError{Peer: peer, Err: err}
			}
		}

		ack, err := t.inner.Send(ctx, peer, msg)
		if err == nil {
			return ack, nil
		}
		lastErr = err

		if attempt == t.config.MaxAttempts {
			break
		}

		t.logger.Debug("send failed, retrying",
			slog.String("peer", string(peer)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return Ack{}, &SendError{Peer: peer, Err: ctx.Err()}
		}
		backoff *= 2
	}

	return Ack{}, lastErr
}
