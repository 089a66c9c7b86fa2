package proto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lumesync/pkg/model"
)

func encodeOne(t *testing.T, p *StreamPacket, key *StreamKey) []byte {
	t.Helper()
	frame, err := EncodeStream(p, key, nil)
	require.NoError(t, err)
	return frame
}

func TestStreamRoundTrip(t *testing.T) {
	key := DeriveStreamKey("session-token")
	payload := AppendScene(nil, model.Scene{EffectID: 7, PaletteID: 3})
	pkt := StreamPacket{
		Type:      StreamScene,
		Seq:       42,
		HubTimeUs: 1_000_000,
		ApplyAtUs: 1_050_000,
		Payload:   payload,
	}
	frame := encodeOne(t, &pkt, &key)
	require.Len(t, frame, StreamHeaderSize+len(payload))

	got, err := DecodeStream(frame, &key)
	require.NoError(t, err)
	require.Equal(t, StreamScene, got.Type)
	require.Equal(t, uint32(42), got.Seq)
	require.Equal(t, int64(1_050_000), got.ApplyAtUs)

	var cmd model.Command
	require.NoError(t, DecodePayload(got.Type, got.Payload, &cmd))
	require.Equal(t, model.CmdScene, cmd.Kind)
	require.Equal(t, uint8(7), cmd.Scene.EffectID)
}

func TestStreamWrongKeyRejected(t *testing.T) {
	key := DeriveStreamKey("token-a")
	other := DeriveStreamKey("token-b")
	pkt := StreamPacket{Type: StreamHeartbeat, Seq: 1}
	frame := encodeOne(t, &pkt, &key)

	_, err := DecodeStream(frame, &other)
	require.ErrorIs(t, err, ErrStreamCheck)
}

func TestStreamTamperRejected(t *testing.T) {
	key := DeriveStreamKey("token")
	payload := AppendBeat(nil, model.Beat{Counter: 9, Phase: 1})
	pkt := StreamPacket{Type: StreamBeat, Seq: 5, Payload: payload}
	frame := encodeOne(t, &pkt, &key)

	frame[StreamHeaderSize] ^= 0xff
	_, err := DecodeStream(frame, &key)
	require.ErrorIs(t, err, ErrStreamCheck)
}

func TestStreamFramingRejects(t *testing.T) {
	key := DeriveStreamKey("token")

	_, err := DecodeStream(make([]byte, StreamHeaderSize-1), &key)
	require.ErrorIs(t, err, ErrStreamShort)

	pkt := StreamPacket{Type: StreamHeartbeat, Seq: 1}
	frame := encodeOne(t, &pkt, &key)

	bad := append([]byte(nil), frame...)
	bad[0] = StreamVersion + 1
	_, err = DecodeStream(bad, &key)
	require.ErrorIs(t, err, ErrStreamVersion)

	bad = append([]byte(nil), frame...)
	bad[2] = 0xff
	bad[3] = 0xff
	_, err = DecodeStream(bad, &key)
	require.ErrorIs(t, err, ErrStreamLength)
}

func TestStreamOversizePayloadRejected(t *testing.T) {
	key := DeriveStreamKey("token")
	pkt := StreamPacket{Type: StreamParamDelta, Payload: make([]byte, MaxStreamPayload+1)}
	_, err := EncodeStream(&pkt, &key, nil)
	require.ErrorIs(t, err, ErrStreamLength)
}

func TestStreamDecodeIgnoresTrailingBytes(t *testing.T) {
	// a datagram may be read into an oversized buffer; only the framed
	// length counts
	key := DeriveStreamKey("token")
	payload := AppendParamDelta(nil, model.ParamDelta{Flags: model.ParamBrightness, Brightness: 200})
	pkt := StreamPacket{Type: StreamParamDelta, Seq: 2, Payload: payload}
	frame := encodeOne(t, &pkt, &key)
	frame = append(frame, 0xde, 0xad)

	got, err := DecodeStream(frame, &key)
	require.NoError(t, err)
	require.Len(t, got.Payload, len(payload))

	var cmd model.Command
	require.NoError(t, DecodePayload(got.Type, got.Payload, &cmd))
	require.Equal(t, uint8(200), cmd.Params.Brightness)
}

func TestPayloadRejects(t *testing.T) {
	var cmd model.Command
	require.ErrorIs(t, DecodePayload(StreamScene, []byte{1}, &cmd), ErrStreamShort)
	require.ErrorIs(t, DecodePayload(StreamType(99), nil, &cmd), ErrStreamType)
}
