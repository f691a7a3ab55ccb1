package models

import "time"

// Tenant represents one isolated store on the platform. All catalog,
// session and order data is partitioned by TenantID.
type Tenant struct {
	ID       string `json:"id" gorm:"primaryKey"`
	Name     string `json:"name"`
	Slug     string `json:"slug" gorm:"uniqueIndex"` // routing key (subdomain)
	Currency string `json:"currency"`                // ISO 4217, e.g. "MXN"

	// WhatsAppNumber binds a messaging channel to this tenant so inbound
	// webhooks can be routed by the number they were sent to.
	WhatsAppNumber string `json:"whatsapp_number" gorm:"index"`

	// PaymentSecret is the shared HMAC key used to verify payment gateway
	// callbacks for this tenant. Hidden in JSON.
	PaymentSecret string `json:"-"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
