// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	mrand "math/rand"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	defaultRetryFixed    = 1 * time.Second
	defaultRetryFactor   = 1 * time.Second
	defaultRetryMaxExtra = 2 * time.Minute
)

// backoff computes reconnect delays: a fixed floor plus an exponentially
// growing, capped variable part, with ±20% jitter so a fleet of clients
// does not stampede a recovering relay.
type backoff struct {
	fixed    time.Duration
	factor   time.Duration
	maxExtra time.Duration
	rng      *mrand.Rand
}

func newBackoff(fixed, factor, maxExtra time.Duration) *backoff {
	if fixed <= 0 {
		fixed = defaultRetryFixed
	}
	if factor <= 0 {
		factor = defaultRetryFactor
	}
	if maxExtra <= 0 {
		maxExtra = defaultRetryMaxExtra
	}
	return &backoff{
		fixed:    fixed,
		factor:   factor,
		maxExtra: maxExtra,
		rng:      rand.NewMath(),
	}
}

func (b *backoff) delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	extra := b.factor
	for i := 1; i < attempts; i++ {
		extra *= 2
		if extra >= b.maxExtra {
			extra = b.maxExtra
			break
		}
	}
	if extra > b.maxExtra {
		extra = b.maxExtra
	}
	d := b.fixed + extra
	jitter := int64(d / 5)
	if jitter > 0 {
		d += time.Duration(b.rng.Int63n(2*jitter+1) - jitter)
	}
	return d
}
