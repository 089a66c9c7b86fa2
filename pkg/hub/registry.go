package hub

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"lumesync/pkg/auth"
	"lumesync/pkg/clock"
	"lumesync/pkg/model"
)

// RegistryConfig tunes lifecycle thresholds. Zero values pick defaults.
type RegistryConfig struct {
	KeepaliveTimeout time.Duration // no keepalive for this long -> lost
	EvictAfter       time.Duration // lost for this long -> evicted
	DriftDegradedUs  int64         // |drift| beyond this -> degraded
	LossDegradedPct  float64       // loss beyond this -> degraded
	TokenTTL         time.Duration
	MaxNodes         int
}

func (c *RegistryConfig) defaults() {
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = 3500 * time.Millisecond
	}
	if c.EvictAfter == 0 {
		c.EvictAfter = 30 * time.Second
	}
	if c.DriftDegradedUs == 0 {
		c.DriftDegradedUs = 5_000
	}
	if c.LossDegradedPct == 0 {
		c.LossDegradedPct = 2.0
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.MaxNodes == 0 {
		c.MaxNodes = 64
	}
}

var (
	ErrRegistryFull = errors.New("registry at capacity")
	ErrUnknownNode  = errors.New("unknown node")
	ErrBadToken     = errors.New("session token mismatch")
)

// EventFunc receives lifecycle transitions. Called under the registry
// lock; handlers must be quick and must not call back into the registry.
type EventFunc func(model.SessionEvent)

// Registry tracks every node session from first hello through loss and
// eviction. Only the registry mutates sessions; fanout and the OTA
// dispatcher read per-tick snapshots.
type Registry struct {
	mu       sync.Mutex
	cfg      RegistryConfig
	clk      clock.Clock
	sessions map[string]*model.Session // keyed by node id
	nextID   int
	onEvent  EventFunc
}

// NewRegistry builds a registry; cfg zero values pick defaults.
func NewRegistry(cfg RegistryConfig, clk clock.Clock, onEvent EventFunc) *Registry {
	cfg.defaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		cfg:      cfg,
		clk:      clk,
		sessions: make(map[string]*model.Session),
		nextID:   1,
		onEvent:  onEvent,
	}
}

func (r *Registry) emit(s *model.Session, kind, detail string) {
	if r.onEvent != nil {
		r.onEvent(model.SessionEvent{
			NodeID:     s.NodeID,
			HardwareID: s.HardwareID,
			Kind:       kind,
			Detail:     detail,
			Timestamp:  r.clk.Now(),
		})
	}
}

// Hello admits a node. A hardware id already on file resets that session
// to pending (stale token cleared, OTA state reset) instead of creating
// a duplicate; fanout must not target the node again until a fresh
// welcome re-arms it.
func (r *Registry) Hello(hardwareID, firmware, addr string, caps model.Capabilities, topo model.Topology) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.HardwareID == hardwareID {
			s.State = model.StatePending
			s.Token = ""
			s.Addr = addr
			s.Firmware = firmware
			s.Caps = caps
			s.Topo = topo
			s.LastSeen = r.clk.Now()
			s.OTAState = "idle"
			s.OTAPct = 0
			s.OTAError = ""
			log.Printf("registry rejoin node=%s hw=%s addr=%s", s.NodeID, hardwareID, addr)
			r.emit(s, "hello", "rejoin")
			return s.NodeID, nil
		}
	}

	if len(r.sessions) >= r.cfg.MaxNodes {
		return "", ErrRegistryFull
	}
	s := &model.Session{
		NodeID:     fmt.Sprintf("node-%02d", r.nextID),
		HardwareID: hardwareID,
		Firmware:   firmware,
		Addr:       addr,
		State:      model.StatePending,
		LastSeen:   r.clk.Now(),
		Caps:       caps,
		Topo:       topo,
		OTAState:   "idle",
	}
	r.nextID++
	r.sessions[s.NodeID] = s
	log.Printf("registry new node=%s hw=%s addr=%s fw=%s", s.NodeID, hardwareID, addr, firmware)
	r.emit(s, "hello", "new")
	return s.NodeID, nil
}

// IssueWelcome mints the session token and moves pending -> authed.
func (r *Registry) IssueWelcome(nodeID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[nodeID]
	if !ok {
		return "", ErrUnknownNode
	}
	token, err := auth.Generate(s.NodeID, s.HardwareID, r.cfg.TokenTTL)
	if err != nil {
		return "", err
	}
	s.Token = token
	s.State = model.StateAuthed
	s.LastSeen = r.clk.Now()
	r.emit(s, "authed", "")
	return token, nil
}

// Keepalive refreshes liveness and health. A valid keepalive can move
// authed -> ready, degraded -> ready once thresholds clear, and walks a
// lost-but-not-evicted node back through authed -> ready.
func (r *Registry) Keepalive(nodeID, token string, h model.Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[nodeID]
	if !ok {
		return ErrUnknownNode
	}
	if s.Token == "" || s.Token != token {
		return ErrBadToken
	}
	s.LastSeen = r.clk.Now()
	s.Health = h

	nominal := r.nominal(h)
	switch s.State {
	case model.StateLost:
		s.State = model.StateAuthed
		r.emit(s, "authed", "resumed")
		fallthrough
	case model.StateAuthed:
		if nominal {
			s.State = model.StateReady
			r.emit(s, "ready", "")
		}
	case model.StateReady:
		if !nominal {
			s.State = model.StateDegraded
			r.emit(s, "degraded", fmt.Sprintf("loss=%.2f%% driftUs=%d", h.LossPct, h.DriftUs))
		}
	case model.StateDegraded:
		if nominal {
			s.State = model.StateReady
			r.emit(s, "ready", "recovered")
		}
	}
	return nil
}

func (r *Registry) nominal(h model.Health) bool {
	drift := h.DriftUs
	if drift < 0 {
		drift = -drift
	}
	return h.LossPct <= r.cfg.LossDegradedPct && drift <= r.cfg.DriftDegradedUs
}

// Touch refreshes last-seen from non-keepalive authed traffic (probes).
func (r *Registry) Touch(nodeID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[nodeID]
	if !ok {
		return ErrUnknownNode
	}
	if s.Token == "" || s.Token != token {
		return ErrBadToken
	}
	s.LastSeen = r.clk.Now()
	return nil
}

// ValidateToken checks an authed control message against the session.
func (r *Registry) ValidateToken(nodeID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[nodeID]
	return ok && s.Token != "" && s.Token == token
}

// Disconnect marks a node lost on reliable-channel close.
func (r *Registry) Disconnect(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[nodeID]
	if !ok || s.State == model.StateLost {
		return
	}
	s.State = model.StateLost
	log.Printf("registry lost node=%s (disconnect)", nodeID)
	r.emit(s, "lost", "disconnect")
}

// SetOTAStatus records a node's reported rollout progress.
func (r *Registry) SetOTAStatus(nodeID, state string, pct int, otaErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[nodeID]
	if !ok {
		return ErrUnknownNode
	}
	s.OTAState = state
	s.OTAPct = pct
	s.OTAError = otaErr
	return nil
}

// Tick expires keepalives and evicts sessions that stayed lost through
// the grace period. Called from the hub's registry updater loop.
func (r *Registry) Tick() {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		switch s.State {
		case model.StateLost:
			if now.Sub(s.LastSeen) > r.cfg.KeepaliveTimeout+r.cfg.EvictAfter {
				log.Printf("registry evict node=%s hw=%s", id, s.HardwareID)
				r.emit(s, "evicted", "")
				delete(r.sessions, id)
			}
		case model.StatePending:
			// pre-welcome sessions expire on the same keepalive clock
			if now.Sub(s.LastSeen) > r.cfg.KeepaliveTimeout {
				s.State = model.StateLost
				r.emit(s, "lost", "handshake timeout")
			}
		default:
			if now.Sub(s.LastSeen) > r.cfg.KeepaliveTimeout {
				s.State = model.StateLost
				log.Printf("registry lost node=%s (keepalive timeout, lastSeenAgo=%s)", id, now.Sub(s.LastSeen))
				r.emit(s, "lost", "keepalive timeout")
			}
		}
	}
}

// Get returns a copy of one session.
func (r *Registry) Get(nodeID string) (model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[nodeID]
	if !ok {
		return model.Session{}, false
	}
	return *s, true
}

// Snapshot returns copies of every session, ordered by node id.
func (r *Registry) Snapshot() []model.Session {
	r.mu.Lock()
	out := make([]model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// ReadySnapshot returns copies of the sessions eligible for fanout.
func (r *Registry) ReadySnapshot() []model.Session {
	r.mu.Lock()
	out := make([]model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.State == model.StateReady {
			out = append(out, *s)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Counts reports total and ready session counts.
func (r *Registry) Counts() (total, ready int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.State == model.StateReady {
			ready++
		}
	}
	return len(r.sessions), ready
}
