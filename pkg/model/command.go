package model

// CommandKind discriminates scheduled command payloads.
type CommandKind uint8

const (
	CmdParamDelta CommandKind = iota + 1
	CmdBeat
	CmdScene
	CmdHeartbeat
)

func (k CommandKind) String() string {
	switch k {
	case CmdParamDelta:
		return "param_delta"
	case CmdBeat:
		return "beat"
	case CmdScene:
		return "scene"
	case CmdHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// ParamFlags marks which fields of a ParamDelta are set.
type ParamFlags uint16

const (
	ParamBrightness ParamFlags = 1 << iota
	ParamSpeed
	ParamPalette
	ParamHue
	ParamIntensity
	ParamSaturation
)

// ParamDelta carries partial parameter updates; only flagged fields apply.
type ParamDelta struct {
	Flags      ParamFlags
	Brightness uint8
	Speed      uint8
	PaletteID  uint8
	Hue        uint16
	Intensity  uint8
	Saturation uint8
}

// Beat marks a tempo tick with its position in the bar.
type Beat struct {
	Counter uint32
	Phase   uint8 // 0..3 within the bar
}

// Scene selects an effect/palette pair.
type Scene struct {
	EffectID  uint8
	PaletteID uint8
}

// Command is a value scheduled for release to the renderer when the
// local monotonic clock reaches DeadlineUs. Exactly one payload is
// meaningful, selected by Kind.
type Command struct {
	Kind       CommandKind
	Seq        uint32
	DeadlineUs int64

	Params ParamDelta
	Beat   Beat
	Scene  Scene
}
