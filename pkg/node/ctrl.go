package node

import (
	"context"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lumesync/pkg/model"
	"lumesync/pkg/proto"
)

// ClientConfig identifies this node to the hub. Zero timing values pick
// defaults.
type ClientConfig struct {
	HubURL     string // http(s)://host:port of the hub
	HardwareID string
	Firmware   string
	Caps       model.Capabilities
	Topo       model.Topology

	KeepalivePeriod time.Duration
	ProbePeriod     time.Duration
	ReconnectWait   time.Duration
}

func (c *ClientConfig) defaults() {
	if c.KeepalivePeriod == 0 {
		c.KeepalivePeriod = time.Second
	}
	if c.ProbePeriod == 0 {
		c.ProbePeriod = 500 * time.Millisecond
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 5 * time.Second
	}
}

// Client maintains the reliable control channel to the hub: handshake,
// keepalives, time probes, and update commands. A dropped connection
// disarms the stream receiver and flushes the scheduler, then the dial
// loop retries forever.
type Client struct {
	cfg   ClientConfig
	est   *Estimator
	sched *Scheduler
	recv  *Receiver
	db    *LocalDB // optional session cache

	mu      sync.Mutex
	conn    *websocket.Conn
	nodeID  string
	token   string
	started time.Time

	probeSeq  uint32
	onOTA     func(proto.OTACommand)
	lastStats model.SchedulerStats // baseline for per-keepalive loss deltas

	endpoint string
}

// NewClient builds the control client. db may be nil.
func NewClient(cfg ClientConfig, est *Estimator, sched *Scheduler, recv *Receiver, db *LocalDB) (*Client, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.HubURL)
	if err != nil {
		return nil, err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	u.Scheme = scheme
	u.Path = "/ws"
	return &Client{
		cfg:      cfg,
		est:      est,
		sched:    sched,
		recv:     recv,
		db:       db,
		started:  time.Now(),
		endpoint: u.String(),
	}, nil
}

// OnOTA registers the firmware update handler. Must be set before Run.
func (c *Client) OnOTA(fn func(proto.OTACommand)) { c.onOTA = fn }

// Session returns the current identity, empty until welcomed.
func (c *Client) Session() (nodeID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID, c.token
}

// Run dials the hub and serves the connection until ctx is done,
// reconnecting after every drop.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, nil)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			log.Printf("ws dial failed: %v (url=%s status=%d)", err, c.endpoint, status)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.ReconnectWait):
			}
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		log.Printf("ws connected to hub url=%s", c.endpoint)

		if err := c.sendHello(); err != nil {
			log.Printf("hello send failed: %v", err)
		}

		done := make(chan struct{})
		go c.tickLoop(ctx, done)
		c.readLoop(conn)
		close(done)
		conn.Close()

		c.disarm()
		log.Printf("ws disconnected, retrying in %s", c.cfg.ReconnectWait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectWait):
		}
	}
}

// disarm drops the session: pending commands are flushed and the stream
// receiver rejects everything until the next welcome.
func (c *Client) disarm() {
	c.mu.Lock()
	c.conn = nil
	c.nodeID = ""
	c.token = ""
	c.mu.Unlock()
	if c.recv != nil {
		c.recv.Disarm()
	}
	c.sched.Flush()
}

func (c *Client) sendHello() error {
	return c.send(proto.Hello{
		Proto:      proto.ControlProto,
		HardwareID: c.cfg.HardwareID,
		Firmware:   c.cfg.Firmware,
		Caps:       c.cfg.Caps,
		Topo:       c.cfg.Topo,
	})
}

func (c *Client) send(msg proto.Control) error {
	data, err := proto.EncodeControl(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := proto.DecodeControl(data)
		if err != nil {
			log.Printf("control decode failed: %v", err)
			continue
		}
		switch m := msg.(type) {
		case proto.Welcome:
			c.handleWelcome(m)
		case proto.TimeReply:
			t4 := monotonicUs()
			c.est.AddSample(m.T1Us, m.T2Us, m.T3Us, t4)
		case proto.OTACommand:
			c.mu.Lock()
			tok := c.token
			c.mu.Unlock()
			if m.Token != tok || tok == "" {
				log.Printf("ota command rejected: token mismatch")
				continue
			}
			if c.onOTA != nil {
				go c.onOTA(m)
			}
		default:
			log.Printf("unexpected control message t=%T", m)
		}
	}
}

func (c *Client) handleWelcome(m proto.Welcome) {
	c.mu.Lock()
	c.nodeID = m.NodeID
	c.token = m.Token
	c.mu.Unlock()
	log.Printf("session established nodeId=%s streamPort=%d", m.NodeID, m.StreamPort)

	if c.db != nil {
		if err := c.db.SaveSession(c.cfg.HardwareID, m.NodeID, m.Token); err != nil {
			log.Printf("session cache write failed: %v", err)
		}
	}
	if c.recv != nil {
		c.recv.Arm(m.Token)
	}
	// confirm liveness right away instead of waiting a full period
	if err := c.sendKeepalive(); err != nil {
		log.Printf("keepalive send failed: %v", err)
	}
}

func (c *Client) tickLoop(ctx context.Context, done chan struct{}) {
	ka := time.NewTicker(c.cfg.KeepalivePeriod)
	probe := time.NewTicker(c.cfg.ProbePeriod)
	defer ka.Stop()
	defer probe.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ka.C:
			if c.sessionReady() {
				if err := c.sendKeepalive(); err != nil {
					log.Printf("keepalive send failed: %v", err)
				}
			}
		case <-probe.C:
			c.est.Tick(monotonicUs())
			if c.sessionReady() {
				if err := c.sendProbe(); err != nil {
					log.Printf("ts_probe send failed: %v", err)
				}
			}
		}
	}
}

func (c *Client) sessionReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.token != ""
}

func (c *Client) sendKeepalive() error {
	nodeID, token := c.Session()
	health := c.health()
	return c.send(proto.Keepalive{
		NodeID:  nodeID,
		Token:   token,
		RSSI:    health.RSSI,
		LossPct: health.LossPct,
		DriftUs: health.DriftUs,
		UptimeS: health.UptimeS,
	})
}

func (c *Client) sendProbe() error {
	nodeID, token := c.Session()
	c.mu.Lock()
	c.probeSeq++
	seq := c.probeSeq
	c.mu.Unlock()
	return c.send(proto.TimeProbe{
		NodeID: nodeID,
		Token:  token,
		Seq:    seq,
		T1Us:   monotonicUs(),
	})
}

// SendOTAStatus reports update progress on the control channel.
func (c *Client) SendOTAStatus(state string, pct int, errMsg string) error {
	nodeID, token := c.Session()
	return c.send(proto.OTAStatus{
		NodeID: nodeID,
		Token:  token,
		State:  state,
		Pct:    pct,
		Error:  errMsg,
	})
}

// health reports loss over the interval since the previous keepalive,
// not lifetime totals, so a past burst does not pin the node degraded.
func (c *Client) health() model.Health {
	stats := c.sched.Stats()
	c.mu.Lock()
	prev := c.lastStats
	c.lastStats = stats
	c.mu.Unlock()

	h := model.Health{
		DriftUs: c.est.DriftUs(),
		UptimeS: int64(time.Since(c.started).Seconds()),
	}
	lost := stats.Lost - prev.Lost
	seen := (stats.Accepted - prev.Accepted) + (stats.Tracked - prev.Tracked)
	if total := seen + lost; total > 0 {
		h.LossPct = 100 * float64(lost) / float64(total)
	}
	return h
}
