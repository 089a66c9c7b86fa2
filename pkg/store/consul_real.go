//go:build consul

package store

import (
	"lumesync/pkg/consul"
)

// NewConsulStore creates a Consul-backed manifest store (requires build
// tag consul).
func NewConsulStore(addr string) ManifestStore {
	return consul.NewStore(addr)
}
