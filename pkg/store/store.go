package store

import "lumesync/pkg/model"

// ManifestStore is the firmware catalog consulted by rollout requests.
// The memory implementation serves single-hub deployments; a Consul
// backend (build tag consul) shares the catalog across sites.
type ManifestStore interface {
	PutManifest(model.Manifest) error
	GetManifest(version string) (model.Manifest, bool, error)
	ListManifests() ([]model.Manifest, error)
	DeleteManifest(version string) error
}
