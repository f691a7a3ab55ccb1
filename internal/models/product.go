package models

import "time"

// Product is a catalog item owned by exactly one tenant. The engine never
// stores product truth in sessions or orders beyond snapshots taken at
// selection time; stock lives here and is only changed through conditional
// decrements.
type Product struct {
	ID       string  `json:"id" gorm:"primaryKey"`
	TenantID string  `json:"tenant_id" gorm:"primaryKey;index"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Stock    int     `json:"stock"`
	Active   bool    `json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
