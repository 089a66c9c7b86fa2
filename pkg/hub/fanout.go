package hub

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"lumesync/pkg/clock"
	"lumesync/pkg/model"
	"lumesync/pkg/proto"
)

// PacketSender unicasts one framed stream packet to a node address.
// Implementations must not block indefinitely.
type PacketSender interface {
	Send(b []byte, addr string) error
}

// UDPSender sends stream packets from a single UDP socket, caching
// resolved destinations per node address string.
type UDPSender struct {
	conn  *net.UDPConn
	mu    sync.Mutex
	addrs map[string]*net.UDPAddr
}

// NewUDPSender opens the hub's outbound stream socket.
func NewUDPSender() (*UDPSender, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	return &UDPSender{conn: conn, addrs: make(map[string]*net.UDPAddr)}, nil
}

func (u *UDPSender) Send(b []byte, addr string) error {
	u.mu.Lock()
	dst, ok := u.addrs[addr]
	u.mu.Unlock()
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return err
		}
		u.mu.Lock()
		u.addrs[addr] = resolved
		u.mu.Unlock()
		dst = resolved
	}
	_, err := u.conn.WriteToUDP(b, dst)
	return err
}

// Close releases the socket.
func (u *UDPSender) Close() error { return u.conn.Close() }

// FanoutConfig tunes the stream loop. Zero values pick defaults.
type FanoutConfig struct {
	Rate      int           // ticks per second
	LookAhead time.Duration // apply-at = hub now + look-ahead
}

func (c *FanoutConfig) defaults() {
	if c.Rate == 0 {
		c.Rate = 100
	}
	if c.LookAhead == 0 {
		c.LookAhead = 50 * time.Millisecond
	}
}

// Fanout is the hub's fixed-rate stream loop: read the authoritative
// clock, build one payload per ready node, unicast it. A tick that runs
// past its budget still sends everything before the next tick starts;
// it is counted as an overrun, never skipped.
type Fanout struct {
	cfg  FanoutConfig
	clk  clock.Clock
	reg  *Registry
	src  *ShowState
	send PacketSender

	seq   map[string]uint32
	keys  map[string]fanoutKey
	buf   []byte // payload scratch
	frame []byte // framed packet scratch

	mu    sync.Mutex
	stats model.FanoutStats
}

type fanoutKey struct {
	token string
	key   proto.StreamKey
}

// NewFanout builds the stream loop; cfg zero values pick defaults.
func NewFanout(cfg FanoutConfig, clk clock.Clock, reg *Registry, src *ShowState, send PacketSender) *Fanout {
	cfg.defaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Fanout{
		cfg:   cfg,
		clk:   clk,
		reg:   reg,
		src:   src,
		send:  send,
		seq:   make(map[string]uint32),
		keys:  make(map[string]fanoutKey),
		buf:   make([]byte, 0, proto.MaxStreamPayload),
		frame: make([]byte, 0, proto.StreamHeaderSize+proto.MaxStreamPayload),
	}
}

// Run drives the loop until ctx is cancelled.
func (f *Fanout) Run(ctx context.Context) {
	period := time.Second / time.Duration(f.cfg.Rate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	log.Printf("fanout running rate=%dHz lookAhead=%s", f.cfg.Rate, f.cfg.LookAhead)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := f.clk.Now()
			f.tick()
			if elapsed := f.clk.Now().Sub(start); elapsed > period {
				f.mu.Lock()
				f.stats.Overruns++
				f.mu.Unlock()
				log.Printf("fanout tick overrun elapsed=%s budget=%s", elapsed, period)
			}
		}
	}
}

// tick builds and sends one packet per ready node. The registry
// snapshot is taken once per tick; no lock is held across sends.
func (f *Fanout) tick() {
	now := f.clk.Now()
	nowUs := now.UnixMicro()
	applyAtUs := now.Add(f.cfg.LookAhead).UnixMicro()

	sessions := f.reg.ReadySnapshot()
	ptype, payload := f.src.Next(nowUs, f.buf[:0])

	sent := uint64(0)
	errs := uint64(0)
	for i := range sessions {
		s := &sessions[i]
		f.seq[s.NodeID]++
		pkt := proto.StreamPacket{
			Type:      ptype,
			Seq:       f.seq[s.NodeID],
			HubTimeUs: nowUs,
			ApplyAtUs: applyAtUs,
			Payload:   payload,
		}
		key := f.keyFor(s)
		frame, err := proto.EncodeStream(&pkt, key, f.frame[:0])
		if err != nil {
			errs++
			continue
		}
		if err := f.send.Send(frame, s.Addr); err != nil {
			errs++
			continue
		}
		sent++
	}

	f.mu.Lock()
	f.stats.Ticks++
	f.stats.Sent += sent
	f.stats.SendErrors += errs
	f.mu.Unlock()
}

// keyFor caches the derived stream key until the session token rotates.
func (f *Fanout) keyFor(s *model.Session) *proto.StreamKey {
	k, ok := f.keys[s.NodeID]
	if !ok || k.token != s.Token {
		k = fanoutKey{token: s.Token, key: proto.DeriveStreamKey(s.Token)}
		f.keys[s.NodeID] = k
	}
	return &k.key
}

// Stats returns a copy of the loop counters.
func (f *Fanout) Stats() model.FanoutStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
