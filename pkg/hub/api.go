package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"lumesync/pkg/clock"
	"lumesync/pkg/model"
	"lumesync/pkg/store"
	"lumesync/pkg/version"
)

// API is the operator-facing HTTP surface: node inventory, show
// controls, firmware catalog, and rollout management. Node traffic
// (websocket control) shares the same mux under /ws.
type API struct {
	srv       *Server
	reg       *Registry
	show      *ShowState
	fanout    *Fanout
	disp      *Dispatcher
	manifests store.ManifestStore
	clk       clock.Clock
	auth      func(r *http.Request) bool
}

func NewAPI(srv *Server, reg *Registry, show *ShowState, fanout *Fanout, disp *Dispatcher, manifests store.ManifestStore, clk clock.Clock, token string) *API {
	if clk == nil {
		clk = clock.Real()
	}
	return &API{
		srv:       srv,
		reg:       reg,
		show:      show,
		fanout:    fanout,
		disp:      disp,
		manifests: manifests,
		clk:       clk,
		auth:      authFunc(token),
	}
}

// Router builds the chi router with all routes registered.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("lumesync hub " + version.Build))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/ws", a.srv.HandleNodeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Get("/nodes", a.handleNodes)
		r.Get("/stats", a.handleStats)

		r.Post("/show/scene", a.handleScene)
		r.Post("/show/params", a.handleParams)
		r.Post("/show/bpm", a.handleBPM)

		r.Get("/manifests", a.handleListManifests)
		r.Post("/manifests", a.handlePutManifest)
		r.Delete("/manifests/{version}", a.handleDeleteManifest)

		r.Get("/rollout", a.handleGetRollout)
		r.Post("/rollout", a.handleStartRollout)
		r.Post("/rollout/abort", a.handleAbortRollout)
	})

	return r
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.reg.Snapshot())
}

type statsResponse struct {
	Fanout     model.FanoutStats `json:"fanout"`
	NodesTotal int               `json:"nodesTotal"`
	NodesReady int               `json:"nodesReady"`

	RejectMalformed uint64 `json:"rejectMalformed"`
	RejectUnknown   uint64 `json:"rejectUnknown"`
	RejectBadToken  uint64 `json:"rejectBadToken"`
}

func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	var resp statsResponse
	resp.NodesTotal, resp.NodesReady = a.reg.Counts()
	if a.fanout != nil {
		resp.Fanout = a.fanout.Stats()
	}
	if a.srv != nil {
		resp.RejectMalformed, resp.RejectUnknown, resp.RejectBadToken = a.srv.Rejects()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleScene(w http.ResponseWriter, r *http.Request) {
	var req model.Scene
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	a.show.SetScene(req.EffectID, req.PaletteID)
	log.Printf("show scene set effect=%d palette=%d", req.EffectID, req.PaletteID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleParams(w http.ResponseWriter, r *http.Request) {
	var req model.ParamDelta
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Flags == 0 {
		http.Error(w, "no fields flagged", http.StatusBadRequest)
		return
	}
	a.show.SetParams(req)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleBPM(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BPM float64 `json:"bpm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BPM < 0 {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	a.show.SetBPM(req.BPM, a.clk.Now().UnixMicro())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListManifests(w http.ResponseWriter, _ *http.Request) {
	list, err := a.manifests.ListManifests()
	if err != nil {
		http.Error(w, "failed to list manifests", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handlePutManifest(w http.ResponseWriter, r *http.Request) {
	var m model.Manifest
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if m.Version == "" || m.URL == "" || m.SHA256 == "" {
		http.Error(w, "version, url and sha256 are required", http.StatusBadRequest)
		return
	}
	if err := a.manifests.PutManifest(m); err != nil {
		http.Error(w, "failed to store manifest", http.StatusInternalServerError)
		return
	}
	log.Printf("manifest stored version=%s size=%d", m.Version, m.Size)
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleDeleteManifest(w http.ResponseWriter, r *http.Request) {
	v := chi.URLParam(r, "version")
	if err := a.manifests.DeleteManifest(v); err != nil {
		http.Error(w, "failed to delete manifest", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rolloutRequest struct {
	Version string   `json:"version"`
	Targets []string `json:"targets"` // empty means all ready nodes
	Force   bool     `json:"force"`
}

func (a *API) handleStartRollout(w http.ResponseWriter, r *http.Request) {
	var req rolloutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Version == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	man, ok, err := a.manifests.GetManifest(req.Version)
	if err != nil {
		http.Error(w, "manifest lookup failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "unknown manifest version", http.StatusNotFound)
		return
	}
	targets := req.Targets
	if len(targets) == 0 {
		for _, sess := range a.reg.ReadySnapshot() {
			targets = append(targets, sess.NodeID)
		}
	}
	if len(targets) == 0 {
		http.Error(w, "no ready nodes to update", http.StatusConflict)
		return
	}
	jobID, err := a.disp.Start(man, targets, req.Force)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (a *API) handleGetRollout(w http.ResponseWriter, _ *http.Request) {
	job, ok := a.disp.Job()
	if !ok {
		http.Error(w, "no rollout", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleAbortRollout(w http.ResponseWriter, _ *http.Request) {
	a.disp.Abort()
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborting"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func authFunc(token string) func(r *http.Request) bool {
	if token == "" {
		return func(_ *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		h := r.Header.Get("X-Auth-Token")
		if h == "" {
			// also allow simple Bearer token
			authz := r.Header.Get("Authorization")
			if strings.HasPrefix(authz, "Bearer ") {
				h = strings.TrimPrefix(authz, "Bearer ")
			}
		}
		return h == token
	}
}
