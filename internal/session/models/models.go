// Package models holds session-manager records that stay server side.
// The public timeline types live in pkg/api/v1 and are stored as-is.
package models

import "time"

// ScopeGlobal marks secrets injected into every sandbox. Repo-scoped
// secrets use an "owner/name" scope and override the global value for
// the same key.
const ScopeGlobal = "global"

// Secret is a key/value credential forwarded into sandboxes as an
// environment variable. The primary key is (key, scope).
type Secret struct {
	Key       string    `json:"key"`
	Value     string    `json:"-"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Setting is a persisted server setting, keyed by name.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}
