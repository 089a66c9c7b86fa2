package node

import (
	"context"
	"log"
	"sync"
	"time"

	"lumesync/pkg/model"
)

// LightState is the renderer-facing output state: the last applied
// scene, accumulated parameters, and beat position.
type LightState struct {
	Scene      model.Scene
	Brightness uint8
	Speed      uint8
	PaletteID  uint8
	Hue        uint16
	Intensity  uint8
	Saturation uint8
	Beat       model.Beat
	Fallback   bool // stream silent, holding last state
}

// RuntimeConfig tunes the render loop. Zero values pick defaults.
type RuntimeConfig struct {
	FramePeriod time.Duration
}

func (c *RuntimeConfig) defaults() {
	if c.FramePeriod == 0 {
		c.FramePeriod = 10 * time.Millisecond
	}
}

// Runtime is the render loop: each frame it drains due commands into the
// light state and hands the state to the frame callback. While the
// stream is silent or the clock estimate is not locked the last state is
// held; the beat clock never free-runs.
type Runtime struct {
	cfg   RuntimeConfig
	sched *Scheduler
	recv  *Receiver

	mu    sync.Mutex
	state LightState

	onFrame func(LightState)
}

// NewRuntime builds a runtime; cfg zero values pick defaults.
func NewRuntime(cfg RuntimeConfig, sched *Scheduler, recv *Receiver) *Runtime {
	cfg.defaults()
	return &Runtime{cfg: cfg, sched: sched, recv: recv}
}

// OnFrame registers the per-frame render callback. Must be set before Run.
func (rt *Runtime) OnFrame(fn func(LightState)) { rt.onFrame = fn }

// State returns a copy of the current light state.
func (rt *Runtime) State() LightState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Run drives frames until ctx is done.
func (rt *Runtime) Run(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.FramePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.frame(monotonicUs())
		}
	}
}

func (rt *Runtime) frame(nowUs int64) {
	rt.sched.Drain(nowUs, rt.apply)

	fallback := false
	var silent, unlocked bool
	if rt.recv != nil {
		silent = rt.recv.Silent(nowUs)
		unlocked = rt.recv.est != nil && !rt.recv.est.Locked()
		fallback = silent || unlocked
	}

	rt.mu.Lock()
	if fallback != rt.state.Fallback {
		rt.state.Fallback = fallback
		if fallback {
			log.Printf("fallback engaged, holding last state (silent=%v clockUnlocked=%v)", silent, unlocked)
		} else {
			log.Printf("fallback cleared")
		}
	}
	state := rt.state
	rt.mu.Unlock()

	if rt.onFrame != nil {
		rt.onFrame(state)
	}
}

// apply folds one due command into the light state. Bounded and
// allocation-free: it runs inside the scheduler drain.
func (rt *Runtime) apply(cmd *model.Command) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	switch cmd.Kind {
	case model.CmdScene:
		rt.state.Scene = cmd.Scene
	case model.CmdParamDelta:
		p := cmd.Params
		if p.Flags&model.ParamBrightness != 0 {
			rt.state.Brightness = p.Brightness
		}
		if p.Flags&model.ParamSpeed != 0 {
			rt.state.Speed = p.Speed
		}
		if p.Flags&model.ParamPalette != 0 {
			rt.state.PaletteID = p.PaletteID
		}
		if p.Flags&model.ParamHue != 0 {
			rt.state.Hue = p.Hue
		}
		if p.Flags&model.ParamIntensity != 0 {
			rt.state.Intensity = p.Intensity
		}
		if p.Flags&model.ParamSaturation != 0 {
			rt.state.Saturation = p.Saturation
		}
	case model.CmdBeat:
		rt.state.Beat = cmd.Beat
	}
}
