// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

// IDKey is the attribute name that carries the identifier in the JSON form of
// an entity. It maps to the id column of the remote row.
const IDKey = "id"

// Entity is anything the engine can replicate. The JSON encoding of an entity
// must be an object whose "id" member equals EntityID().
type Entity interface {
	EntityID() string
}

// Document is the schema-less entity: a flat attribute bag with the
// identifier stored under IDKey.
type Document map[string]any

// EntityID implements Entity.
func (d Document) EntityID() string {
	id, _ := d[IDKey].(string)
	return id
}

// DefaultCollections lists the collections served by the reference
// deployment. Each one is an independent replica.
var DefaultCollections = []string{
	"employees",
	"records",
	"absences",
	"sanctions",
	"tasks",
	"checklist_snapshots",
	"posts",
	"admin_tasks",
	"inventory_items",
	"inventory_sessions",
	"cash_shifts",
	"wallet_transactions",
	"products",
	"fixed_expenses",
	"partners",
	"projections",
	"app_users",
}
