//go:build consul

package consul

import (
	"encoding/json"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"

	"lumesync/pkg/model"
)

// Store is a Consul-backed firmware manifest catalog.
type Store struct {
	cli *consulapi.Client
}

const manifestPrefix = "lumesync/manifests/"

func NewStore(addr string) *Store {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, _ := consulapi.NewClient(cfg) // ignore error for build; runtime will report
	return &Store{cli: cli}
}

func (s *Store) PutManifest(m model.Manifest) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.cli.KV().Put(&consulapi.KVPair{Key: manifestPrefix + m.Version, Value: b}, nil)
	return err
}

func (s *Store) GetManifest(version string) (model.Manifest, bool, error) {
	if s.cli == nil {
		return model.Manifest{}, false, fmt.Errorf("consul client not configured")
	}
	kv, _, err := s.cli.KV().Get(manifestPrefix+version, nil)
	if err != nil || kv == nil {
		return model.Manifest{}, false, err
	}
	var m model.Manifest
	if err := json.Unmarshal(kv.Value, &m); err != nil {
		return model.Manifest{}, false, err
	}
	return m, true, nil
}

func (s *Store) ListManifests() ([]model.Manifest, error) {
	if s.cli == nil {
		return nil, fmt.Errorf("consul client not configured")
	}
	pairs, _, err := s.cli.KV().List(manifestPrefix, nil)
	if err != nil {
		return nil, err
	}
	var out []model.Manifest
	for _, p := range pairs {
		var m model.Manifest
		if err := json.Unmarshal(p.Value, &m); err == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) DeleteManifest(version string) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	_, err := s.cli.KV().Delete(manifestPrefix+version, nil)
	return err
}
