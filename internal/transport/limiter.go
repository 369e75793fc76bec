package transport

import (
	"sync"
)

// HostLimiter enforces max concurrent connections per remote host
type HostLimiter struct {
	maxPerHost int
	mu         sync.RWMutex
	// Map: host -> set of connection ids
	conns map[string]map[string]bool
}

// NewHostLimiter creates a new host limiter. maxPerHost <= 0 disables the limit.
func NewHostLimiter(maxPerHost int) *HostLimiter {
	return &HostLimiter{
		maxPerHost: maxPerHost,
		conns:      make(map[string]map[string]bool),
	}
}

// CanAdd checks if a connection can be added without exceeding the limit
// Does NOT modify state - use Add() to register the connection
func (hl *HostLimiter) CanAdd(host, connID string) bool {
	hl.mu.RLock()
	defer hl.mu.RUnlock()

	set, exists := hl.conns[host]
	if !exists || set[connID] {
		return true
	}
	return hl.maxPerHost <= 0 || len(set) < hl.maxPerHost
}

// Add registers a connection with the limiter
// Returns true if added successfully, false if limit exceeded
func (hl *HostLimiter) Add(host, connID string) bool {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	if hl.conns[host] == nil {
		hl.conns[host] = make(map[string]bool)
	}
	set := hl.conns[host]

	// Already registered - success
	if set[connID] {
		return true
	}

	if hl.maxPerHost > 0 && len(set) >= hl.maxPerHost {
		return false
	}

	set[connID] = true
	return true
}

// Remove releases a connection
func (hl *HostLimiter) Remove(host, connID string) {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	set, exists := hl.conns[host]
	if !exists {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(hl.conns, host)
	}
}

// Count returns the number of connections registered for a host
func (hl *HostLimiter) Count(host string) int {
	hl.mu.RLock()
	defer hl.mu.RUnlock()

	return len(hl.conns[host])
}
