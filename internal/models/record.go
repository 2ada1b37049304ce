// Package models provides data model definitions for the Vocalis sync engine.
package models

import "encoding/json"

// Record is an opaque document stored in a collection. The engine never
// inspects Data beyond round-tripping it as JSON; domain code owns the shape.
type Record struct {
	Key       string          `db:"key" json:"key"`
	Data      json.RawMessage `db:"data" json:"data"`
	CreatedAt int64           `db:"created_at" json:"created_at"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
}
