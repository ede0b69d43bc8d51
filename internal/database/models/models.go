package models

import (
	"encoding/json"
	"time"
)

// Gateway represents an upstream SIP peer (trunk/PBX) that siprouted keeps an
// outbound GIN registration with.
type Gateway struct {
	ID         int64
	Ref        string // opaque stable identifier, carried in X-Gateway-Ref
	Name       string
	Enabled    bool
	Username   string
	Password   string // encrypted at rest is a deployment concern; stored verbatim
	Host       string
	Transport  string
	Expires    int    // requested registration lifetime in seconds; 0 means default
	Registries string // JSON array of additional registrar hosts
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasCredentials reports whether the gateway carries registration credentials.
// Gateways without credentials are never registered.
func (g *Gateway) HasCredentials() bool {
	return g.Username != "" && g.Password != ""
}

// RegistryHosts decodes the Registries JSON array. Returns nil on empty or
// malformed input.
func (g *Gateway) RegistryHosts() []string {
	if g.Registries == "" {
		return nil
	}
	var hosts []string
	if err := json.Unmarshal([]byte(g.Registries), &hosts); err != nil {
		return nil
	}
	return hosts
}

// AdminUser represents an operator account for the HTTP API.
type AdminUser struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
