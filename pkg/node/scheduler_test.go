package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lumesync/pkg/model"
)

func sceneCmd(seq uint32, deadlineUs int64) model.Command {
	return model.Command{Kind: model.CmdScene, Seq: seq, DeadlineUs: deadlineUs}
}

func TestSchedulerDrainsInDeadlineOrder(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})
	require.True(t, s.Enqueue(model.Command{Kind: model.CmdScene, Seq: 1, DeadlineUs: 300}))
	require.True(t, s.Enqueue(model.Command{Kind: model.CmdBeat, Seq: 2, DeadlineUs: 100}))
	require.True(t, s.Enqueue(model.Command{Kind: model.CmdParamDelta, Seq: 3, DeadlineUs: 200}))

	var got []int64
	n := s.Drain(1_000, func(c *model.Command) { got = append(got, c.DeadlineUs) })
	require.Equal(t, 3, n)
	require.Equal(t, []int64{100, 200, 300}, got)
}

func TestSchedulerHoldsFutureDeadlines(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})
	require.True(t, s.Enqueue(sceneCmd(1, 500)))
	require.True(t, s.Enqueue(sceneCmd(2, 1_500)))

	n := s.Drain(1_000, func(*model.Command) {})
	require.Equal(t, 1, n)
	require.Equal(t, 1, s.Len())
}

func TestSchedulerDrainBound(t *testing.T) {
	s := NewScheduler(SchedulerConfig{MaxDrain: 2})
	for i := uint32(1); i <= 5; i++ {
		require.True(t, s.Enqueue(sceneCmd(i, int64(i))))
	}
	require.Equal(t, 2, s.Drain(100, func(*model.Command) {}))
	require.Equal(t, 2, s.Drain(100, func(*model.Command) {}))
	require.Equal(t, 1, s.Drain(100, func(*model.Command) {}))
}

func TestSchedulerSequenceGapCountsLoss(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})
	require.True(t, s.Enqueue(sceneCmd(10, 1)))
	require.True(t, s.Enqueue(sceneCmd(11, 2)))
	// 12 and 13 lost on the wire
	require.True(t, s.Enqueue(sceneCmd(14, 3)))
	require.True(t, s.Enqueue(sceneCmd(15, 4)))

	stats := s.Stats()
	require.Equal(t, uint64(2), stats.Lost)
	require.Equal(t, uint64(4), stats.Accepted)
}

func TestSchedulerDropsDuplicatesAndLatePackets(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})
	require.True(t, s.Enqueue(sceneCmd(5, 1)))
	require.True(t, s.Enqueue(sceneCmd(6, 2)))
	require.False(t, s.Enqueue(sceneCmd(6, 3))) // duplicate
	require.False(t, s.Enqueue(sceneCmd(4, 4))) // late

	stats := s.Stats()
	require.Equal(t, uint64(2), stats.Late)
	require.Equal(t, 2, s.Len())
}

func TestSchedulerCoalescesSameKindWhenFull(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Capacity: 2})
	require.True(t, s.Enqueue(model.Command{Kind: model.CmdScene, Seq: 1, DeadlineUs: 10, Scene: model.Scene{EffectID: 1}}))
	require.True(t, s.Enqueue(model.Command{Kind: model.CmdBeat, Seq: 2, DeadlineUs: 20}))

	// full: the newer scene replaces the pending one
	require.True(t, s.Enqueue(model.Command{Kind: model.CmdScene, Seq: 3, DeadlineUs: 30, Scene: model.Scene{EffectID: 9}}))
	require.Equal(t, 2, s.Len())

	var scenes []uint8
	s.Drain(100, func(c *model.Command) {
		if c.Kind == model.CmdScene {
			scenes = append(scenes, c.Scene.EffectID)
		}
	})
	require.Equal(t, []uint8{9}, scenes)
	require.Equal(t, uint64(1), s.Stats().Coalesced)
}

func TestSchedulerDropsWhenFullWithNoMatch(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Capacity: 2})
	require.True(t, s.Enqueue(model.Command{Kind: model.CmdScene, Seq: 1, DeadlineUs: 10}))
	require.True(t, s.Enqueue(model.Command{Kind: model.CmdBeat, Seq: 2, DeadlineUs: 20}))
	require.False(t, s.Enqueue(model.Command{Kind: model.CmdParamDelta, Seq: 3, DeadlineUs: 30}))

	require.Equal(t, uint64(1), s.Stats().Dropped)
	require.Equal(t, 2, s.Len())
}

func TestSchedulerTrackSharesSequenceSpace(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})
	require.True(t, s.Track(1))
	require.True(t, s.Track(2))
	require.True(t, s.Enqueue(sceneCmd(3, 1)))
	require.True(t, s.Track(6)) // 4 and 5 lost
	require.False(t, s.Track(6))

	stats := s.Stats()
	require.Equal(t, uint64(2), stats.Lost)
	require.Equal(t, uint64(1), stats.Late)
	require.Equal(t, uint64(3), stats.Tracked)
	require.Equal(t, uint64(1), stats.Accepted)
	require.Equal(t, 1, s.Len())
}

func TestSchedulerFlushResetsSequenceSync(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})
	require.True(t, s.Enqueue(sceneCmd(100, 1)))
	s.Flush()
	require.Equal(t, 0, s.Len())

	// a fresh session restarts numbering; no loss is charged
	require.True(t, s.Enqueue(sceneCmd(1, 2)))
	require.Equal(t, uint64(0), s.Stats().Lost)
}

func TestSchedulerEqualDeadlinesDrainInArrivalOrder(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})
	require.True(t, s.Enqueue(model.Command{Kind: model.CmdScene, Seq: 1, DeadlineUs: 50}))
	require.True(t, s.Enqueue(model.Command{Kind: model.CmdBeat, Seq: 2, DeadlineUs: 50}))
	require.True(t, s.Enqueue(model.Command{Kind: model.CmdParamDelta, Seq: 3, DeadlineUs: 50}))

	var seqs []uint32
	s.Drain(100, func(c *model.Command) { seqs = append(seqs, c.Seq) })
	require.Equal(t, []uint32{1, 2, 3}, seqs)
}
