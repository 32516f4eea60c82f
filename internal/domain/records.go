package domain

import "time"

// ScamRecord is a curated report about a known-bad entity.
type ScamRecord struct {
	EntityType EntityType `json:"entity_type" yaml:"type"`
	Value      string     `json:"value" yaml:"value"`
	Category   string     `json:"category,omitempty" yaml:"category"`
	Reports    int        `json:"reports" yaml:"reports"`
	Source     string     `json:"source,omitempty" yaml:"source"`
	Notes      string     `json:"notes,omitempty" yaml:"notes"`
	FirstSeen  time.Time  `json:"first_seen" yaml:"-"`
	LastSeen   time.Time  `json:"last_seen" yaml:"-"`
}

// Business is a verified legitimate organisation and its official contacts.
type Business struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Domain    string    `json:"domain,omitempty" yaml:"domain"`
	Phone     string    `json:"phone,omitempty" yaml:"phone"`
	Source    string    `json:"source,omitempty" yaml:"source"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// APIKey lets a client call the API without a signed token. Only the hash
// of the key is stored.
type APIKey struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
