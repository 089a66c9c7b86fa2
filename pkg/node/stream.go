package node

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"lumesync/pkg/model"
	"lumesync/pkg/proto"
)

var errNotConnected = errors.New("control channel not connected")

// monotonicUs is the node-local time base: microseconds since process
// start, immune to wall-clock steps.
var processEpoch = time.Now()

func monotonicUs() int64 {
	return time.Since(processEpoch).Microseconds()
}

// ReceiverConfig tunes the stream receive path. Zero values pick
// defaults.
type ReceiverConfig struct {
	Port         int           // UDP listen port
	SilenceAfter time.Duration // no valid packet for this long -> silent
	ClampUs      int64         // apply-at deadlines outside now±clamp apply immediately
}

func (c *ReceiverConfig) defaults() {
	if c.Port == 0 {
		c.Port = 41420
	}
	if c.SilenceAfter == 0 {
		c.SilenceAfter = 500 * time.Millisecond
	}
	if c.ClampUs == 0 {
		c.ClampUs = 500_000
	}
}

// Receiver is the stream packet intake: one UDP socket, validate,
// translate apply-at to the local clock, hand off to the scheduler.
// Until Arm it drops everything; Disarm returns it to that state.
type Receiver struct {
	cfg   ReceiverConfig
	est   *Estimator
	sched *Scheduler

	mu    sync.Mutex
	key   proto.StreamKey
	armed bool

	lastRecvUs atomic.Int64

	received atomic.Uint64
	rejected atomic.Uint64
}

// NewReceiver builds a receiver; cfg zero values pick defaults.
func NewReceiver(cfg ReceiverConfig, est *Estimator, sched *Scheduler) *Receiver {
	cfg.defaults()
	r := &Receiver{cfg: cfg, est: est, sched: sched}
	r.lastRecvUs.Store(-1)
	return r
}

// Arm derives the packet check key from the session token and starts
// accepting packets.
func (r *Receiver) Arm(token string) {
	key := proto.DeriveStreamKey(token)
	r.mu.Lock()
	r.key = key
	r.armed = true
	r.mu.Unlock()
	r.lastRecvUs.Store(-1)
}

// Disarm drops the key; every packet is rejected until the next Arm.
func (r *Receiver) Disarm() {
	r.mu.Lock()
	r.armed = false
	r.mu.Unlock()
}

// Silent reports whether no valid packet arrived within the silence
// window. Before the first packet of a session it is true.
func (r *Receiver) Silent(nowUs int64) bool {
	last := r.lastRecvUs.Load()
	if last < 0 {
		return true
	}
	return nowUs-last > r.cfg.SilenceAfter.Microseconds()
}

// Counters reports received/rejected packet totals.
func (r *Receiver) Counters() (received, rejected uint64) {
	return r.received.Load(), r.rejected.Load()
}

// Run listens until ctx is done. The read loop allocates nothing per
// packet.
func (r *Receiver) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: r.cfg.Port})
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("stream listening on udp port=%d", r.cfg.Port)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, proto.StreamHeaderSize+proto.MaxStreamPayload)
	var cmd model.Command
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.handlePacket(buf[:n], &cmd)
	}
}

func (r *Receiver) handlePacket(data []byte, cmd *model.Command) {
	r.mu.Lock()
	armed := r.armed
	key := r.key
	r.mu.Unlock()
	if !armed {
		r.rejected.Add(1)
		return
	}

	p, err := proto.DecodeStream(data, &key)
	if err != nil {
		r.rejected.Add(1)
		return
	}
	now := monotonicUs()
	r.received.Add(1)
	r.lastRecvUs.Store(now)

	*cmd = model.Command{Seq: p.Seq}
	if err := proto.DecodePayload(p.Type, p.Payload, cmd); err != nil {
		r.rejected.Add(1)
		return
	}

	// heartbeats consume a sequence number but schedule nothing: track
	// continuity so idle ticks are not counted as loss, refresh silence
	if cmd.Kind == model.CmdHeartbeat {
		r.sched.Track(cmd.Seq)
		return
	}

	deadline, ok := r.est.HubToLocal(p.ApplyAtUs)
	if !ok {
		deadline = now
	}
	// a deadline far outside the look-ahead window means the clock
	// estimate is off; applying now beats applying at a bogus time
	if d := deadline - now; d < -r.cfg.ClampUs || d > r.cfg.ClampUs {
		deadline = now
	}
	cmd.DeadlineUs = deadline
	r.sched.Enqueue(*cmd)
}
