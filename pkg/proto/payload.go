package proto

import (
	"encoding/binary"

	"lumesync/pkg/model"
)

// Payload layouts are fixed-size and little-endian, like the header.

const (
	paramDeltaLen = 9
	beatLen       = 5
	sceneLen      = 2
)

// AppendParamDelta encodes a parameter delta payload onto buf.
func AppendParamDelta(buf []byte, p model.ParamDelta) []byte {
	var b [paramDeltaLen]byte
	binary.LittleEndian.PutUint16(b[0:2], uint16(p.Flags))
	b[2] = p.Brightness
	b[3] = p.Speed
	b[4] = p.PaletteID
	binary.LittleEndian.PutUint16(b[5:7], p.Hue)
	b[7] = p.Intensity
	b[8] = p.Saturation
	return append(buf, b[:]...)
}

// AppendBeat encodes a beat payload onto buf.
func AppendBeat(buf []byte, b model.Beat) []byte {
	var p [beatLen]byte
	binary.LittleEndian.PutUint32(p[0:4], b.Counter)
	p[4] = b.Phase
	return append(buf, p[:]...)
}

// AppendScene encodes a scene payload onto buf.
func AppendScene(buf []byte, s model.Scene) []byte {
	return append(buf, s.EffectID, s.PaletteID)
}

// DecodePayload fills cmd's payload from a validated stream packet.
// A payload shorter than its fixed layout is a reject.
func DecodePayload(t StreamType, data []byte, cmd *model.Command) error {
	switch t {
	case StreamParamDelta:
		if len(data) < paramDeltaLen {
			return ErrStreamShort
		}
		cmd.Kind = model.CmdParamDelta
		cmd.Params = model.ParamDelta{
			Flags:      model.ParamFlags(binary.LittleEndian.Uint16(data[0:2])),
			Brightness: data[2],
			Speed:      data[3],
			PaletteID:  data[4],
			Hue:        binary.LittleEndian.Uint16(data[5:7]),
			Intensity:  data[7],
			Saturation: data[8],
		}
	case StreamBeat:
		if len(data) < beatLen {
			return ErrStreamShort
		}
		cmd.Kind = model.CmdBeat
		cmd.Beat = model.Beat{
			Counter: binary.LittleEndian.Uint32(data[0:4]),
			Phase:   data[4],
		}
	case StreamScene:
		if len(data) < sceneLen {
			return ErrStreamShort
		}
		cmd.Kind = model.CmdScene
		cmd.Scene = model.Scene{EffectID: data[0], PaletteID: data[1]}
	case StreamHeartbeat:
		cmd.Kind = model.CmdHeartbeat
	default:
		return ErrStreamType
	}
	return nil
}
