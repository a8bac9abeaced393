package domain

import "time"

// SessionKey identifies one supplier account session.
type SessionKey struct {
	OrgID       string
	Marketplace string
}

func (k SessionKey) String() string {
	return k.OrgID + ":" + k.Marketplace
}

// SupplierSession is the stored authenticated state for one supplier
// account. Material is sealed and only opened while a lease is held.
type SupplierSession struct {
	OrgID           string
	Marketplace     string
	Material        []byte
	LastValidatedAt *time.Time
	RequiresReauth  bool
	ReauthReason    string
	UpdatedAt       time.Time
}

// Key returns the session's identity.
func (s SupplierSession) Key() SessionKey {
	return SessionKey{OrgID: s.OrgID, Marketplace: s.Marketplace}
}

// Cookie is one browser cookie carried in opened session material.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
}

// SessionMaterial is the opened form of SupplierSession.Material.
type SessionMaterial struct {
	Cookies   []Cookie `json:"cookies"`
	UserAgent string   `json:"user_agent,omitempty"`
}
