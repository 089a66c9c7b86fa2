package hub

import (
	"errors"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"lumesync/pkg/clock"
	"lumesync/pkg/model"
	"lumesync/pkg/proto"
)

// ServerConfig tunes the control server. Zero values pick defaults.
type ServerConfig struct {
	StreamPort int // well-known UDP port nodes listen on
}

func (c *ServerConfig) defaults() {
	if c.StreamPort == 0 {
		c.StreamPort = 41420
	}
}

var errNotConnected = errors.New("node not connected")

// Server owns the reliable control channel: it upgrades node websocket
// connections, runs one read loop per node, and feeds the registry.
// Malformed, unknown-type, and token-mismatched messages are rejects:
// counted, logged at most once per kind per connection, never fatal.
type Server struct {
	cfg      ServerConfig
	clk      clock.Clock
	reg      *Registry
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*nodeConn

	rejects struct {
		sync.Mutex
		Malformed uint64
		Unknown   uint64
		BadToken  uint64
	}
}

type nodeConn struct {
	mu   sync.Mutex // gorilla permits one concurrent writer
	conn *websocket.Conn
}

func (nc *nodeConn) writeJSON(msg proto.Control) error {
	data, err := proto.EncodeControl(msg)
	if err != nil {
		return err
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.conn.WriteMessage(websocket.TextMessage, data)
}

// NewServer builds the control server.
func NewServer(cfg ServerConfig, clk clock.Clock, reg *Registry) *Server {
	cfg.defaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Server{
		cfg: cfg,
		clk: clk,
		reg: reg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*nodeConn),
	}
}

// HandleNodeWS upgrades a node connection and serves it until close.
func (s *Server) HandleNodeWS(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	go s.readLoop(c, host)
}

// SendToNode implements ControlSender for the OTA dispatcher.
func (s *Server) SendToNode(nodeID string, msg proto.Control) error {
	s.mu.Lock()
	nc := s.conns[nodeID]
	s.mu.Unlock()
	if nc == nil {
		return errNotConnected
	}
	return nc.writeJSON(msg)
}

func (s *Server) readLoop(c *websocket.Conn, host string) {
	nc := &nodeConn{conn: c}
	nodeID := ""
	defer func() {
		c.Close()
		if nodeID == "" {
			return
		}
		s.mu.Lock()
		current := s.conns[nodeID] == nc
		if current {
			delete(s.conns, nodeID)
		}
		s.mu.Unlock()
		// a replaced connection must not mark the rejoined session lost
		if current {
			s.reg.Disconnect(nodeID)
			log.Printf("node ws disconnected: %s", nodeID)
		}
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		msg, err := proto.DecodeControl(data)
		if err != nil {
			s.countReject(err)
			continue
		}

		switch m := msg.(type) {
		case proto.Hello:
			if m.Proto != proto.ControlProto {
				log.Printf("hello rejected: proto=%d want=%d hw=%s", m.Proto, proto.ControlProto, m.HardwareID)
				continue
			}
			streamAddr := net.JoinHostPort(host, itoa(s.cfg.StreamPort))
			id, err := s.reg.Hello(m.HardwareID, m.Firmware, streamAddr, m.Caps, m.Topo)
			if err != nil {
				log.Printf("hello rejected hw=%s: %v", m.HardwareID, err)
				continue
			}
			token, err := s.reg.IssueWelcome(id)
			if err != nil {
				log.Printf("welcome failed node=%s: %v", id, err)
				continue
			}
			// replace any stale connection for a rejoining node
			s.mu.Lock()
			if old := s.conns[id]; old != nil && old != nc {
				_ = old.conn.Close()
			}
			s.conns[id] = nc
			s.mu.Unlock()
			nodeID = id
			welcome := proto.Welcome{
				NodeID:     id,
				Token:      token,
				StreamPort: s.cfg.StreamPort,
				HubEpochUs: s.clk.Now().UnixMicro(),
			}
			if err := nc.writeJSON(welcome); err != nil {
				log.Printf("welcome send failed node=%s: %v", id, err)
			}

		case proto.Keepalive:
			err := s.reg.Keepalive(m.NodeID, m.Token, model.Health{
				RSSI:    m.RSSI,
				LossPct: m.LossPct,
				DriftUs: m.DriftUs,
				UptimeS: m.UptimeS,
			})
			if err != nil {
				s.countReject(err)
			}

		case proto.TimeProbe:
			t2 := s.clk.Now().UnixMicro()
			if err := s.reg.Touch(m.NodeID, m.Token); err != nil {
				s.countReject(err)
				continue
			}
			reply := proto.TimeReply{
				NodeID: m.NodeID,
				Seq:    m.Seq,
				T1Us:   m.T1Us,
				T2Us:   t2,
				T3Us:   s.clk.Now().UnixMicro(),
			}
			if err := nc.writeJSON(reply); err != nil {
				log.Printf("ts_reply send failed node=%s: %v", m.NodeID, err)
			}

		case proto.OTAStatus:
			if !s.reg.ValidateToken(m.NodeID, m.Token) {
				s.countReject(ErrBadToken)
				continue
			}
			_ = s.reg.SetOTAStatus(m.NodeID, m.State, m.Pct, m.Error)

		default:
			// hub-originated types echoed back are protocol noise
			s.countReject(proto.ErrUnknownType)
		}
	}
}

func (s *Server) countReject(err error) {
	s.rejects.Lock()
	defer s.rejects.Unlock()
	switch {
	case errors.Is(err, proto.ErrMalformed):
		s.rejects.Malformed++
	case errors.Is(err, ErrBadToken):
		s.rejects.BadToken++
	default:
		s.rejects.Unknown++
	}
}

// Rejects reports the reject counters for the ops API.
func (s *Server) Rejects() (malformed, unknown, badToken uint64) {
	s.rejects.Lock()
	defer s.rejects.Unlock()
	return s.rejects.Malformed, s.rejects.Unknown, s.rejects.BadToken
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	buf := [12]byte{}
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
