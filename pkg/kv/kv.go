// Package kv exposes the small persisted key/value contract the attendance
// core relies on for device-local state: shift status, cooldown deadline,
// scheduled notification markers. Values are opaque strings; callers own
// their encoding.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("kv: key not found")

// Well-known keys. The role prefix mirrors the backend's role-scoped base
// path so one store can serve multiple signed-in roles on a shared device.
const (
	KeyShiftStatus        = "shiftStatus"
	KeyShiftCooldown      = "shiftCooldown"
	KeyShiftNotifications = "shiftNotifications"
	KeyOfflineQueue       = "offlineVerificationQueue"
)

// Key composes a role-scoped state key, e.g. "employee-shiftStatus".
func Key(role, name string) string {
	if role == "" {
		return name
	}
	return role + "-" + name
}

// Store is the durable key/value contract.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
