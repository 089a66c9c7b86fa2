package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lumesync/pkg/clock"
	"lumesync/pkg/model"
	"lumesync/pkg/proto"
)

type capturedPacket struct {
	frame []byte
	addr  string
}

type captureSender struct {
	packets []capturedPacket
}

func (c *captureSender) Send(b []byte, addr string) error {
	frame := append([]byte(nil), b...)
	c.packets = append(c.packets, capturedPacket{frame: frame, addr: addr})
	return nil
}

func TestFanoutTargetsReadyNodesOnly(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	nodeID, _ := admitReady(t, reg, "hw-ready")
	_, err := reg.Hello("hw-pending", "1.0.0", "10.0.0.9:41420", model.Capabilities{}, model.Topology{})
	require.NoError(t, err)

	sender := &captureSender{}
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	f := NewFanout(FanoutConfig{}, fake, reg, NewShowState(), sender)

	f.tick()
	require.Len(t, sender.packets, 1)

	s, _ := reg.Get(nodeID)
	require.Equal(t, s.Addr, sender.packets[0].addr)
	require.Equal(t, model.FanoutStats{Ticks: 1, Sent: 1}, f.Stats())
}

func TestFanoutPacketsDecodeWithSessionKey(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	nodeID, token := admitReady(t, reg, "hw-1")

	sender := &captureSender{}
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	show := NewShowState()
	show.SetScene(4, 2)
	f := NewFanout(FanoutConfig{}, fake, reg, show, sender)

	f.tick()
	require.Len(t, sender.packets, 1)

	key := proto.DeriveStreamKey(token)
	pkt, err := proto.DecodeStream(sender.packets[0].frame, &key)
	require.NoError(t, err)
	require.Equal(t, proto.StreamScene, pkt.Type)
	require.Equal(t, fake.Now().UnixMicro(), pkt.HubTimeUs)
	require.Equal(t, fake.Now().Add(50*time.Millisecond).UnixMicro(), pkt.ApplyAtUs)

	var cmd model.Command
	require.NoError(t, proto.DecodePayload(pkt.Type, pkt.Payload, &cmd))
	require.Equal(t, uint8(4), cmd.Scene.EffectID)

	_ = nodeID
}

func TestFanoutSequenceIncrementsPerNode(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, token := admitReady(t, reg, "hw-1")

	sender := &captureSender{}
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	f := NewFanout(FanoutConfig{}, fake, reg, NewShowState(), sender)

	for i := 0; i < 3; i++ {
		f.tick()
		fake.Advance(10 * time.Millisecond)
	}
	require.Len(t, sender.packets, 3)

	key := proto.DeriveStreamKey(token)
	for i, cp := range sender.packets {
		pkt, err := proto.DecodeStream(cp.frame, &key)
		require.NoError(t, err)
		require.Equal(t, uint32(i+1), pkt.Seq)
	}
}

func TestFanoutSamePayloadToAllNodes(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, tokenA := admitReady(t, reg, "hw-a")
	_, tokenB := admitReady(t, reg, "hw-b")

	sender := &captureSender{}
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	show := NewShowState()
	show.SetParams(model.ParamDelta{Flags: model.ParamBrightness, Brightness: 128})
	f := NewFanout(FanoutConfig{}, fake, reg, show, sender)

	f.tick()
	require.Len(t, sender.packets, 2)

	// each node's frame checks out under its own key, same payload inside
	for i, token := range []string{tokenA, tokenB} {
		key := proto.DeriveStreamKey(token)
		pkt, err := proto.DecodeStream(sender.packets[i].frame, &key)
		require.NoError(t, err)
		require.Equal(t, proto.StreamParamDelta, pkt.Type)
	}
}
