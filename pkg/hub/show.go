package hub

import (
	"sync"

	"lumesync/pkg/model"
	"lumesync/pkg/proto"
)

// ShowState holds the latest scheduled output state on the hub. The ops
// API mutates it; the fanout loop reads one packet's worth per tick.
// Scene and parameter changes are edge-triggered, the beat clock is
// periodic, and heartbeats fill otherwise idle ticks so nodes can tell
// stream silence from an idle show.
type ShowState struct {
	mu sync.Mutex

	scene      model.Scene
	sceneDirty bool

	params     model.ParamDelta
	paramDirty bool

	bpm        float64
	beat       model.Beat
	nextBeatUs int64
}

// NewShowState starts with no pending changes and the beat clock off.
func NewShowState() *ShowState {
	return &ShowState{}
}

// SetScene schedules a scene change for the next tick.
func (s *ShowState) SetScene(effectID, paletteID uint8) {
	s.mu.Lock()
	s.scene = model.Scene{EffectID: effectID, PaletteID: paletteID}
	s.sceneDirty = true
	s.mu.Unlock()
}

// SetParams merges a parameter delta; flags accumulate until sent.
func (s *ShowState) SetParams(p model.ParamDelta) {
	s.mu.Lock()
	if p.Flags&model.ParamBrightness != 0 {
		s.params.Brightness = p.Brightness
	}
	if p.Flags&model.ParamSpeed != 0 {
		s.params.Speed = p.Speed
	}
	if p.Flags&model.ParamPalette != 0 {
		s.params.PaletteID = p.PaletteID
	}
	if p.Flags&model.ParamHue != 0 {
		s.params.Hue = p.Hue
	}
	if p.Flags&model.ParamIntensity != 0 {
		s.params.Intensity = p.Intensity
	}
	if p.Flags&model.ParamSaturation != 0 {
		s.params.Saturation = p.Saturation
	}
	s.params.Flags |= p.Flags
	s.paramDirty = true
	s.mu.Unlock()
}

// SetBPM starts (or stops, with 0) the beat clock.
func (s *ShowState) SetBPM(bpm float64, nowUs int64) {
	s.mu.Lock()
	s.bpm = bpm
	if bpm > 0 {
		s.nextBeatUs = nowUs + beatPeriodUs(bpm)
	}
	s.mu.Unlock()
}

func beatPeriodUs(bpm float64) int64 {
	return int64(60_000_000 / bpm)
}

// Next picks the packet for one fanout tick. Priority: scene change,
// then parameter delta, then a due beat, then heartbeat. The payload is
// appended to buf so the fanout loop can reuse its scratch buffer.
func (s *ShowState) Next(nowUs int64, buf []byte) (proto.StreamType, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sceneDirty {
		s.sceneDirty = false
		return proto.StreamScene, proto.AppendScene(buf, s.scene)
	}
	if s.paramDirty {
		s.paramDirty = false
		p := s.params
		s.params.Flags = 0
		return proto.StreamParamDelta, proto.AppendParamDelta(buf, p)
	}
	if s.bpm > 0 && nowUs >= s.nextBeatUs {
		s.beat.Counter++
		s.beat.Phase = uint8(s.beat.Counter % 4)
		s.nextBeatUs += beatPeriodUs(s.bpm)
		// a stalled clock catches up instead of bursting
		if s.nextBeatUs <= nowUs {
			s.nextBeatUs = nowUs + beatPeriodUs(s.bpm)
		}
		return proto.StreamBeat, proto.AppendBeat(buf, s.beat)
	}
	return proto.StreamHeartbeat, buf
}
