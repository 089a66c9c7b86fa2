package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lumesync/pkg/model"
	"lumesync/pkg/proto"
)

func TestRuntimeAppliesDueCommands(t *testing.T) {
	sched := NewScheduler(SchedulerConfig{})
	rt := NewRuntime(RuntimeConfig{}, sched, nil)

	require.True(t, sched.Enqueue(model.Command{
		Kind: model.CmdScene, Seq: 1, DeadlineUs: 100,
		Scene: model.Scene{EffectID: 4, PaletteID: 2},
	}))
	require.True(t, sched.Enqueue(model.Command{
		Kind: model.CmdParamDelta, Seq: 2, DeadlineUs: 200,
		Params: model.ParamDelta{Flags: model.ParamBrightness | model.ParamHue, Brightness: 180, Hue: 300},
	}))
	require.True(t, sched.Enqueue(model.Command{
		Kind: model.CmdBeat, Seq: 3, DeadlineUs: 900_000,
	}))

	rt.frame(500)
	state := rt.State()
	require.Equal(t, uint8(4), state.Scene.EffectID)
	require.Equal(t, uint8(180), state.Brightness)
	require.Equal(t, uint16(300), state.Hue)
	require.Equal(t, uint32(0), state.Beat.Counter)
	require.Equal(t, 1, sched.Len())
}

func TestRuntimeParamDeltaOnlyTouchesFlaggedFields(t *testing.T) {
	sched := NewScheduler(SchedulerConfig{})
	rt := NewRuntime(RuntimeConfig{}, sched, nil)

	require.True(t, sched.Enqueue(model.Command{
		Kind: model.CmdParamDelta, Seq: 1, DeadlineUs: 1,
		Params: model.ParamDelta{Flags: model.ParamBrightness, Brightness: 255},
	}))
	require.True(t, sched.Enqueue(model.Command{
		Kind: model.CmdParamDelta, Seq: 2, DeadlineUs: 2,
		Params: model.ParamDelta{Flags: model.ParamSpeed, Speed: 30, Brightness: 0},
	}))

	rt.frame(10)
	state := rt.State()
	require.Equal(t, uint8(255), state.Brightness)
	require.Equal(t, uint8(30), state.Speed)
}

func TestRuntimeFrameCallback(t *testing.T) {
	sched := NewScheduler(SchedulerConfig{})
	rt := NewRuntime(RuntimeConfig{}, sched, nil)

	var frames int
	var last LightState
	rt.OnFrame(func(s LightState) {
		frames++
		last = s
	})

	require.True(t, sched.Enqueue(model.Command{
		Kind: model.CmdScene, Seq: 1, DeadlineUs: 1,
		Scene: model.Scene{EffectID: 9},
	}))
	rt.frame(10)
	require.Equal(t, 1, frames)
	require.Equal(t, uint8(9), last.Scene.EffectID)
}

func TestRuntimeFallbackHoldsLastState(t *testing.T) {
	est := NewEstimator(EstimatorConfig{})
	sched := NewScheduler(SchedulerConfig{})
	recv := NewReceiver(ReceiverConfig{}, est, sched)
	rt := NewRuntime(RuntimeConfig{}, sched, recv)

	lockEstimator(t, est)
	recv.Arm(testToken)
	require.True(t, sched.Enqueue(model.Command{
		Kind: model.CmdScene, Seq: 1, DeadlineUs: 1,
		Scene: model.Scene{EffectID: 6},
	}))

	// no stream traffic has arrived: fallback, but the applied scene holds
	rt.frame(10)
	state := rt.State()
	require.True(t, state.Fallback)
	require.Equal(t, uint8(6), state.Scene.EffectID)

	// a valid packet clears the fallback flag
	frame := frameFor(t, testToken, &proto.StreamPacket{Type: proto.StreamHeartbeat, Seq: 1})
	var cmd model.Command
	recv.handlePacket(frame, &cmd)
	rt.frame(monotonicUs())
	require.False(t, rt.State().Fallback)
}

func TestRuntimeFallbackWhileClockUnlocked(t *testing.T) {
	est := NewEstimator(EstimatorConfig{})
	sched := NewScheduler(SchedulerConfig{})
	recv := NewReceiver(ReceiverConfig{}, est, sched)
	rt := NewRuntime(RuntimeConfig{}, sched, recv)
	recv.Arm(testToken)

	frame := frameFor(t, testToken, &proto.StreamPacket{Type: proto.StreamHeartbeat, Seq: 1})
	var cmd model.Command
	recv.handlePacket(frame, &cmd)

	// traffic is flowing but apply-at translation is not trusted yet
	rt.frame(monotonicUs())
	require.True(t, rt.State().Fallback)

	lockEstimator(t, est)
	rt.frame(monotonicUs())
	require.False(t, rt.State().Fallback)
}
