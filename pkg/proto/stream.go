package proto

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2s"
)

// Stream packet framing. One packet per node per fanout tick over UDP:
// fixed 28-byte header followed by a type-specific payload.
//
//	off 0  version    u8
//	off 1  type       u8
//	off 2  length     u16  payload bytes
//	off 4  sequence   u32  strictly increasing per node
//	off 8  check      u32  keyed blake2s over header(check=0)+payload
//	off 12 hub time   i64  microseconds
//	off 20 apply at   i64  hub time + look-ahead, microseconds
const (
	StreamVersion    = 1
	StreamHeaderSize = 28
	MaxStreamPayload = 512
)

// StreamType discriminates the payload.
type StreamType uint8

const (
	StreamParamDelta StreamType = iota + 1
	StreamBeat
	StreamScene
	StreamHeartbeat
)

// Stream decode rejects. All are silent drops on the receive path.
var (
	ErrStreamShort   = errors.New("stream packet too short")
	ErrStreamVersion = errors.New("stream version mismatch")
	ErrStreamLength  = errors.New("stream payload length out of bounds")
	ErrStreamCheck   = errors.New("stream check mismatch")
	ErrStreamType    = errors.New("unknown stream payload type")
)

// StreamKey is the per-session key for the packet check value.
type StreamKey [32]byte

// DeriveStreamKey folds a session token of any length into a fixed key.
// The token itself never travels on the stream channel.
func DeriveStreamKey(token string) StreamKey {
	return blake2s.Sum256([]byte(token))
}

// StreamPacket is the decoded wire representation. Ephemeral: built,
// sent and discarded every tick.
type StreamPacket struct {
	Type      StreamType
	Seq       uint32
	HubTimeUs int64
	ApplyAtUs int64
	Payload   []byte
}

func packetCheck(key *StreamKey, frame []byte) uint32 {
	h, err := blake2s.New128(key[:])
	if err != nil {
		// only reachable with a key of the wrong size
		return 0
	}
	h.Write(frame)
	var sum [16]byte
	return binary.LittleEndian.Uint32(h.Sum(sum[:0]))
}

// EncodeStream appends the framed packet to buf and returns the result.
// Passing a reused buf keeps the fanout loop allocation-free.
func EncodeStream(p *StreamPacket, key *StreamKey, buf []byte) ([]byte, error) {
	if len(p.Payload) > MaxStreamPayload {
		return nil, ErrStreamLength
	}
	start := len(buf)
	var hdr [StreamHeaderSize]byte
	hdr[0] = StreamVersion
	hdr[1] = byte(p.Type)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], p.Seq)
	// check at 8:12 stays zero until the frame is complete
	binary.LittleEndian.PutUint64(hdr[12:20], uint64(p.HubTimeUs))
	binary.LittleEndian.PutUint64(hdr[20:28], uint64(p.ApplyAtUs))
	buf = append(buf, hdr[:]...)
	buf = append(buf, p.Payload...)
	check := packetCheck(key, buf[start:])
	binary.LittleEndian.PutUint32(buf[start+8:start+12], check)
	return buf, nil
}

// DecodeStream validates framing and the token-derived check. The
// returned packet's Payload aliases data; callers that retain it must
// copy. Any error is a protocol-reject: drop the packet, bump a counter.
func DecodeStream(data []byte, key *StreamKey) (StreamPacket, error) {
	if len(data) < StreamHeaderSize {
		return StreamPacket{}, ErrStreamShort
	}
	if data[0] != StreamVersion {
		return StreamPacket{}, ErrStreamVersion
	}
	length := int(binary.LittleEndian.Uint16(data[2:4]))
	if length > MaxStreamPayload || StreamHeaderSize+length > len(data) {
		return StreamPacket{}, ErrStreamLength
	}
	frame := data[:StreamHeaderSize+length]
	got := binary.LittleEndian.Uint32(frame[8:12])
	// zero the check field for recomputation without copying the frame
	binary.LittleEndian.PutUint32(frame[8:12], 0)
	want := packetCheck(key, frame)
	binary.LittleEndian.PutUint32(frame[8:12], got)
	if got != want {
		return StreamPacket{}, ErrStreamCheck
	}
	return StreamPacket{
		Type:      StreamType(data[1]),
		Seq:       binary.LittleEndian.Uint32(data[4:8]),
		HubTimeUs: int64(binary.LittleEndian.Uint64(data[12:20])),
		ApplyAtUs: int64(binary.LittleEndian.Uint64(data[20:28])),
		Payload:   frame[StreamHeaderSize:],
	}, nil
}
