// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"time"
)

// HealthState is the aggregate condition of the forge.
type HealthState string

const (
	// HealthHealthy means every component answered its ping.
	HealthHealthy HealthState = "healthy"

	// HealthDegraded means more than half of the components are up.
	HealthDegraded HealthState = "degraded"

	// HealthCritical means half or more of the components are down.
	HealthCritical HealthState = "critical"
)

// ComponentHealth is one component's probe result. A nil Err means the
// component answered.
type ComponentHealth struct {
	Name string
	Err  error
}

// HealthReport is the outcome of one health pass.
type HealthReport struct {
	State      HealthState
	Components []ComponentHealth
	CheckedAt  time.Time
}

// healthState aggregates per-component results.
func healthState(healthy, total int) HealthState {
	switch {
	case healthy == total:
		return HealthHealthy
	case healthy*2 > total:
		return HealthDegraded
	default:
		return HealthCritical
	}
}

// checkHealth probes every component, stores the report, emits events
// for failures and state transitions, and routes failover.
func (c *Coordinator) checkHealth() HealthReport {
	probes := []ComponentHealth{
		{Name: "pool", Err: c.pool.Ping()},
		{Name: "cache", Err: c.cache.Ping()},
		{Name: "batch", Err: c.batch.Ping()},
		{Name: "resources", Err: c.mgr.Ping()},
	}

	healthy := 0
	for _, p := range probes {
		if p.Err == nil {
			healthy++
		}
	}
	report := HealthReport{
		State:      healthState(healthy, len(probes)),
		Components: probes,
		CheckedAt:  time.Now(),
	}

	c.healthMu.Lock()
	previous := c.lastHealth.State
	c.lastHealth = report
	c.healthMu.Unlock()

	for _, p := range probes {
		if p.Err == nil {
			continue
		}
		c.emit(Event{Kind: EventComponentError, Component: p.Name, Err: p.Err})
		if c.cfg.FailoverEnabled {
			c.restart(p.Name)
		}
	}
	if previous != "" && previous != report.State {
		c.logger.Warn("health state changed", "from", previous, "to", report.State)
		c.emit(Event{Kind: EventHealthChanged, Health: report.State})
	}
	return report
}

// Health returns the most recent health report. Before the first
// health pass the report is zero-valued.
func (c *Coordinator) Health() HealthReport {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.lastHealth
}

// restart routes a failing component to its recovery routine. Routines
// are per-component; there is no cross-component special-casing.
func (c *Coordinator) restart(component string) {
	routine, ok := c.restarts[component]
	if !ok {
		return
	}
	if err := routine(); err != nil {
		c.logger.Error("component restart failed", "component", component, "error", err)
		return
	}
	c.restarted.Add(1)
	c.logger.Info("component restarted", "component", component)
	c.emit(Event{Kind: EventComponentRestarted, Component: component})
}

func (c *Coordinator) healthLoop(interval time.Duration) {
	defer c.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.checkHealth()
		case <-c.done:
			return
		}
	}
}

// loadBalanceLoop inspects queue depth against the high-water mark and
// emits a rebalance signal when work is backing up. With auto-scaling
// enabled it also grows the pool, up to the configured ceiling.
func (c *Coordinator) loadBalanceLoop(interval time.Duration) {
	defer c.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.rebalancePass()
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) rebalancePass() {
	depth := c.pool.QueueDepth()
	if depth <= c.cfg.PoolQueueHighWater {
		return
	}
	c.rebalances.Add(1)
	c.emit(Event{Kind: EventRebalance, Component: "pool"})

	if !c.cfg.AutoScale {
		return
	}
	stats := c.pool.Stats()
	if stats.Workers >= c.cfg.MaxPoolSize {
		return
	}
	target := stats.Workers + 1
	if err := c.pool.Scale(target); err != nil {
		c.logger.Warn("auto-scale failed", "target", target, "error", err)
		return
	}
	c.logger.Info("pool scaled up", "workers", target, "queue_depth", depth)
}
