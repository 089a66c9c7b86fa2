package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"lumesync/pkg/clock"
	"lumesync/pkg/model"
	"lumesync/pkg/proto"
)

// ControlSender delivers a control message to one node's reliable
// channel. Implemented by the websocket server; faked in tests.
type ControlSender interface {
	SendToNode(nodeID string, msg proto.Control) error
}

// DispatcherConfig tunes rollout timeouts. Zero values pick defaults.
type DispatcherConfig struct {
	ProgressTimeout time.Duration // no status movement for this long -> failed
	RejoinTimeout   time.Duration // reboot-to-ready window
	PollInterval    time.Duration
}

func (c *DispatcherConfig) defaults() {
	if c.ProgressTimeout == 0 {
		c.ProgressTimeout = 30 * time.Second
	}
	if c.RejoinTimeout == 0 {
		c.RejoinTimeout = 90 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 250 * time.Millisecond
	}
}

var ErrRolloutActive = errors.New("a rollout is already in flight")

// Dispatcher drives a rolling firmware update: exactly one node in
// flight, fixed deterministic order, halt on the first unrecoverable
// failure unless the job was started with force. Cancellation only
// transitions the job to its halted state; nothing is forcibly unwound.
type Dispatcher struct {
	cfg  DispatcherConfig
	clk  clock.Clock
	reg  *Registry
	send ControlSender

	mu     sync.Mutex
	job    *model.OTAJob
	cancel context.CancelFunc
	done   chan struct{}

	onDone func(model.OTAJob)
}

// NewDispatcher builds a dispatcher; cfg zero values pick defaults.
func NewDispatcher(cfg DispatcherConfig, clk clock.Clock, reg *Registry, send ControlSender) *Dispatcher {
	cfg.defaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Dispatcher{cfg: cfg, clk: clk, reg: reg, send: send}
}

// OnDone registers a callback invoked with a copy of each finished job.
func (d *Dispatcher) OnDone(fn func(model.OTAJob)) { d.onDone = fn }

// Start begins a rollout over the given nodes in the given order.
// Returns the job id, or ErrRolloutActive while a job is in flight.
func (d *Dispatcher) Start(manifest model.Manifest, nodeIDs []string, force bool) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.job != nil && !d.job.Done() {
		return "", ErrRolloutActive
	}
	targets := make([]model.OTATarget, len(nodeIDs))
	for i, id := range nodeIDs {
		targets[i] = model.OTATarget{NodeID: id, Status: model.OTAPending}
	}
	now := d.clk.Now()
	job := &model.OTAJob{
		ID:        uuid.NewString(),
		Manifest:  manifest,
		Targets:   targets,
		Force:     force,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.job = job
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx, job)
	log.Printf("ota job started id=%s version=%s targets=%d force=%v", job.ID, manifest.Version, len(targets), force)
	return job.ID, nil
}

// Abort halts the active job. The in-flight node keeps whatever state
// it reached; the job simply stops advancing.
func (d *Dispatcher) Abort() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
}

// Job returns a copy of the current (or last) job, if any.
func (d *Dispatcher) Job() (model.OTAJob, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.job == nil {
		return model.OTAJob{}, false
	}
	out := *d.job
	out.Targets = append([]model.OTATarget(nil), d.job.Targets...)
	return out, true
}

// Wait blocks until the active job finishes. Test helper.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	ch := d.done
	d.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (d *Dispatcher) run(ctx context.Context, job *model.OTAJob) {
	defer close(d.done)
	for {
		d.mu.Lock()
		if job.Halted || job.Index >= len(job.Targets) {
			out := *job
			out.Targets = append([]model.OTATarget(nil), job.Targets...)
			d.mu.Unlock()
			log.Printf("ota job finished id=%s halted=%v cause=%q", job.ID, job.Halted, job.HaltCause)
			if d.onDone != nil {
				d.onDone(out)
			}
			return
		}
		idx := job.Index
		target := &job.Targets[idx]
		nodeID := target.NodeID
		d.mu.Unlock()

		err := d.updateOne(ctx, job, idx, nodeID)

		d.mu.Lock()
		job.UpdatedAt = d.clk.Now()
		if err != nil {
			job.Targets[idx].Status = model.OTAFailed
			job.Targets[idx].Error = err.Error()
			if job.Force && !errors.Is(err, context.Canceled) {
				log.Printf("ota node failed (forced continue) node=%s err=%v", nodeID, err)
				job.Index++
			} else {
				job.Halted = true
				job.HaltCause = fmt.Sprintf("node %s: %v", nodeID, err)
				log.Printf("ota rollout halted node=%s err=%v", nodeID, err)
			}
		} else {
			job.Targets[idx].Status = model.OTADone
			job.Targets[idx].Pct = 100
			job.Index++
			log.Printf("ota node done node=%s version=%s", nodeID, job.Manifest.Version)
		}
		d.mu.Unlock()
	}
}

// updateOne pushes the manifest to a single node and follows it through
// progress reports, reboot, and rejoin.
func (d *Dispatcher) updateOne(ctx context.Context, job *model.OTAJob, idx int, nodeID string) error {
	s, ok := d.reg.Get(nodeID)
	if !ok {
		return fmt.Errorf("not registered")
	}
	if s.State != model.StateReady {
		return fmt.Errorf("not ready (state=%s)", s.State)
	}

	cmd := proto.OTACommand{
		NodeID:  nodeID,
		Token:   s.Token,
		Version: job.Manifest.Version,
		URL:     job.Manifest.URL,
		SHA256:  job.Manifest.SHA256,
		Size:    job.Manifest.Size,
	}
	if err := d.send.SendToNode(nodeID, cmd); err != nil {
		return fmt.Errorf("send update command: %w", err)
	}
	d.setTarget(job, idx, model.OTASent, 0)

	start := d.clk.Now()
	lastProgress := start
	lastState := ""
	lastPct := -1
	sawReboot := false

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		now := d.clk.Now()
		s, ok := d.reg.Get(nodeID)
		if !ok {
			// evicted mid-rollout
			return fmt.Errorf("session evicted during update")
		}

		if s.OTAState != lastState || s.OTAPct != lastPct {
			lastState, lastPct = s.OTAState, s.OTAPct
			lastProgress = now
			d.setTarget(job, idx, mapOTAState(s.OTAState), s.OTAPct)
			if s.OTAState == model.OTAFailed || s.OTAError != "" {
				return fmt.Errorf("node reported failure: %s", s.OTAError)
			}
			if s.OTAState == model.OTARebooting {
				sawReboot = true
			}
		}
		if s.State == model.StateLost {
			sawReboot = true
		}

		if sawReboot {
			if s.State == model.StateReady && s.Firmware == job.Manifest.Version {
				return nil
			}
			if now.Sub(lastProgress) > d.cfg.RejoinTimeout {
				return fmt.Errorf("rejoin timeout (state=%s fw=%s)", s.State, s.Firmware)
			}
			continue
		}
		if now.Sub(lastProgress) > d.cfg.ProgressTimeout {
			return fmt.Errorf("progress timeout (state=%s pct=%d)", s.OTAState, s.OTAPct)
		}
	}
}

func (d *Dispatcher) setTarget(job *model.OTAJob, idx int, status string, pct int) {
	d.mu.Lock()
	job.Targets[idx].Status = status
	job.Targets[idx].Pct = pct
	job.UpdatedAt = d.clk.Now()
	d.mu.Unlock()
}

// mapOTAState folds node-reported states onto target statuses; unknown
// strings pass through so the ops API shows what the node said.
func mapOTAState(s string) string {
	switch s {
	case "idle", "":
		return model.OTASent
	default:
		return s
	}
}
