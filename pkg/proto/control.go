package proto

import (
	"encoding/json"
	"errors"

	"lumesync/pkg/model"
)

// Control-channel message types. The set is closed: decoding any other
// type is a reject, not an error the caller should act on.
const (
	TypeHello     = "hello"
	TypeWelcome   = "welcome"
	TypeKeepalive = "ka"
	TypeTimeProbe = "ts_probe"
	TypeTimeReply = "ts_reply"
	TypeOTACmd    = "ota_cmd"
	TypeOTAStatus = "ota_status"
)

// Protocol version carried in hello; a mismatch is rejected at handshake.
const ControlProto = 1

var (
	ErrMalformed   = errors.New("malformed control message")
	ErrUnknownType = errors.New("unknown control message type")
)

// Control is the closed variant over the control-message family.
type Control interface {
	controlType() string
}

// Authed is implemented by every control message that carries a session
// token (all except hello and welcome).
type Authed interface {
	Control
	SessionToken() string
}

// Hello opens a session. The hardware id is the stable identity that
// deduplicates reconnects.
type Hello struct {
	T          string             `json:"t"`
	Proto      int                `json:"proto"`
	HardwareID string             `json:"hw"`
	Firmware   string             `json:"fw"`
	Caps       model.Capabilities `json:"caps"`
	Topo       model.Topology     `json:"topo"`
}

// Welcome answers hello with the assigned identity and session token.
type Welcome struct {
	T          string `json:"t"`
	NodeID     string `json:"nodeId"`
	Token      string `json:"token"`
	StreamPort int    `json:"streamPort"`
	HubEpochUs int64  `json:"hubEpochUs"`
}

// Keepalive refreshes liveness and health at a fixed interval.
type Keepalive struct {
	T       string  `json:"t"`
	NodeID  string  `json:"nodeId"`
	Token   string  `json:"token"`
	RSSI    int     `json:"rssi"`
	LossPct float64 `json:"lossPct"`
	DriftUs int64   `json:"driftUs"`
	UptimeS int64   `json:"uptimeS"`
}

// TimeProbe starts one time-sync round trip. T1Us is the node's local
// monotonic send time in microseconds.
type TimeProbe struct {
	T      string `json:"t"`
	NodeID string `json:"nodeId"`
	Token  string `json:"token"`
	Seq    uint32 `json:"seq"`
	T1Us   int64  `json:"t1Us"`
}

// TimeReply completes a round trip: T1 echoed, T2 hub receive, T3 hub send.
type TimeReply struct {
	T      string `json:"t"`
	NodeID string `json:"nodeId"`
	Seq    uint32 `json:"seq"`
	T1Us   int64  `json:"t1Us"`
	T2Us   int64  `json:"t2Us"`
	T3Us   int64  `json:"t3Us"`
}

// OTACommand instructs a node to download and flash a firmware image.
type OTACommand struct {
	T       string `json:"t"`
	NodeID  string `json:"nodeId"`
	Token   string `json:"token"`
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
	Size    int64  `json:"size"`
}

// OTAStatus reports rollout progress back to the hub.
type OTAStatus struct {
	T      string `json:"t"`
	NodeID string `json:"nodeId"`
	Token  string `json:"token"`
	State  string `json:"state"`
	Pct    int    `json:"pct"`
	Error  string `json:"error,omitempty"`
}

func (Hello) controlType() string      { return TypeHello }
func (Welcome) controlType() string    { return TypeWelcome }
func (Keepalive) controlType() string  { return TypeKeepalive }
func (TimeProbe) controlType() string  { return TypeTimeProbe }
func (TimeReply) controlType() string  { return TypeTimeReply }
func (OTACommand) controlType() string { return TypeOTACmd }
func (OTAStatus) controlType() string  { return TypeOTAStatus }

func (m Keepalive) SessionToken() string  { return m.Token }
func (m TimeProbe) SessionToken() string  { return m.Token }
func (m OTACommand) SessionToken() string { return m.Token }
func (m OTAStatus) SessionToken() string  { return m.Token }

// EncodeControl marshals a control message, stamping its type key.
func EncodeControl(msg Control) ([]byte, error) {
	switch m := msg.(type) {
	case Hello:
		m.T = TypeHello
		return json.Marshal(m)
	case Welcome:
		m.T = TypeWelcome
		return json.Marshal(m)
	case Keepalive:
		m.T = TypeKeepalive
		return json.Marshal(m)
	case TimeProbe:
		m.T = TypeTimeProbe
		return json.Marshal(m)
	case TimeReply:
		m.T = TypeTimeReply
		return json.Marshal(m)
	case OTACommand:
		m.T = TypeOTACmd
		return json.Marshal(m)
	case OTAStatus:
		m.T = TypeOTAStatus
		return json.Marshal(m)
	}
	return nil, ErrUnknownType
}

// DecodeControl parses one control message. ErrMalformed and
// ErrUnknownType are rejects: the caller drops the message and moves on.
func DecodeControl(data []byte) (Control, error) {
	var probe struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, ErrMalformed
	}
	switch probe.T {
	case TypeHello:
		var m Hello
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrMalformed
		}
		return m, nil
	case TypeWelcome:
		var m Welcome
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrMalformed
		}
		return m, nil
	case TypeKeepalive:
		var m Keepalive
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrMalformed
		}
		return m, nil
	case TypeTimeProbe:
		var m TimeProbe
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrMalformed
		}
		return m, nil
	case TypeTimeReply:
		var m TimeReply
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrMalformed
		}
		return m, nil
	case TypeOTACmd:
		var m OTACommand
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrMalformed
		}
		return m, nil
	case TypeOTAStatus:
		var m OTAStatus
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrMalformed
		}
		return m, nil
	}
	return nil, ErrUnknownType
}
