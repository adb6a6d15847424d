// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"log/slog"
	"time"
)

// StartBackground launches the periodic sweep and rebalance loops.
//
// Calling it again while running is a no-op. Stop with StopBackground
// or Close.
func (c *MultiTierCache) StartBackground() {
	c.bg.Lock()
	defer c.bg.Unlock()
	if c.active {
		return
	}
	c.active = true
	c.done = make(chan struct{})

	c.bgWg.Add(2)
	go c.sweepLoop(c.done)
	go c.rebalanceLoop(c.done)

	c.logger.Info("cache background loops started",
		slog.Duration("sweep_interval", c.config.SweepInterval),
		slog.Duration("rebalance_interval", c.config.RebalanceInterval),
	)
}

// StopBackground halts the background loops and waits for them to exit.
func (c *MultiTierCache) StopBackground() {
	c.bg.Lock()
	if !c.active {
		c.bg.Unlock()
		return
	}
	c.active = false
	close(c.done)
	c.bg.Unlock()

	c.bgWg.Wait()
}

// sweepLoop periodically removes expired entries.
func (c *MultiTierCache) sweepLoop(done <-chan struct{}) {
	defer c.bgWg.Done()
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.logger.Debug("cache sweep", slog.Int("expired", removed))
			}
		}
	}
}

// rebalanceLoop periodically promotes and demotes entries.
func (c *MultiTierCache) rebalanceLoop(done <-chan struct{}) {
	defer c.bgWg.Done()
	ticker := time.NewTicker(c.config.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			promoted, demoted := c.Rebalance()
			if promoted > 0 || demoted > 0 {
				c.logger.Debug("cache rebalance",
					slog.Int("promoted", promoted),
					slog.Int("demoted", demoted),
				)
			}
		}
	}
}
