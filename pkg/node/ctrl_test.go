package node

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lumesync/pkg/clock"
	"lumesync/pkg/hub"
	"lumesync/pkg/model"
	"lumesync/pkg/proto"
)

func startTestHub(t *testing.T) (*hub.Server, *hub.Registry, string) {
	t.Helper()
	reg := hub.NewRegistry(hub.RegistryConfig{}, clock.Real(), nil)
	srv := hub.NewServer(hub.ServerConfig{}, clock.Real(), reg)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleNodeWS))
	t.Cleanup(ts.Close)
	return srv, reg, ts.URL
}

func startTestClient(t *testing.T, hubURL string) (*Client, *Estimator, *Receiver) {
	t.Helper()
	est := NewEstimator(EstimatorConfig{})
	sched := NewScheduler(SchedulerConfig{})
	recv := NewReceiver(ReceiverConfig{}, est, sched)

	client, err := NewClient(ClientConfig{
		HubURL:          hubURL,
		HardwareID:      "hw-e2e",
		Firmware:        "1.0.0",
		Caps:            model.Capabilities{Stream: true, OTA: true, Clock: true},
		Topo:            model.Topology{Channels: 1, Outputs: 60},
		KeepalivePeriod: 20 * time.Millisecond,
		ProbePeriod:     10 * time.Millisecond,
		ReconnectWait:   50 * time.Millisecond,
	}, est, sched, recv, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)
	return client, est, recv
}

func TestClientHandshakeAndReady(t *testing.T) {
	_, reg, url := startTestHub(t)
	client, _, _ := startTestClient(t, url)

	require.Eventually(t, func() bool {
		nodeID, token := client.Session()
		return nodeID != "" && token != ""
	}, 3*time.Second, 10*time.Millisecond)

	// the keepalive sent right after welcome promotes the node
	nodeID, _ := client.Session()
	require.Eventually(t, func() bool {
		s, ok := reg.Get(nodeID)
		return ok && s.State == model.StateReady
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClientTimeSyncLocks(t *testing.T) {
	_, _, url := startTestHub(t)
	_, est, _ := startTestClient(t, url)

	// loopback probes every 10ms: eight good round trips lock the clock
	require.Eventually(t, func() bool {
		return est.Locked()
	}, 5*time.Second, 20*time.Millisecond)
	require.Less(t, est.RTTUs(), int64(250_000))
}

func TestClientReceivesOTACommand(t *testing.T) {
	srv, reg, url := startTestHub(t)
	client, _, _ := startTestClient(t, url)

	got := make(chan proto.OTACommand, 1)
	client.OnOTA(func(cmd proto.OTACommand) { got <- cmd })

	require.Eventually(t, func() bool {
		nodeID, _ := client.Session()
		return nodeID != ""
	}, 3*time.Second, 10*time.Millisecond)
	nodeID, _ := client.Session()
	s, ok := reg.Get(nodeID)
	require.True(t, ok)

	require.NoError(t, srv.SendToNode(nodeID, proto.OTACommand{
		NodeID:  nodeID,
		Token:   s.Token,
		Version: "2.0.0",
		URL:     "http://hub/fw.bin",
	}))
	select {
	case cmd := <-got:
		require.Equal(t, "2.0.0", cmd.Version)
	case <-time.After(3 * time.Second):
		t.Fatal("ota command never reached the handler")
	}
}

func TestClientIgnoresOTAWithForgedToken(t *testing.T) {
	srv, _, url := startTestHub(t)
	client, _, _ := startTestClient(t, url)

	got := make(chan proto.OTACommand, 1)
	client.OnOTA(func(cmd proto.OTACommand) { got <- cmd })

	require.Eventually(t, func() bool {
		nodeID, _ := client.Session()
		return nodeID != ""
	}, 3*time.Second, 10*time.Millisecond)
	nodeID, _ := client.Session()

	require.NoError(t, srv.SendToNode(nodeID, proto.OTACommand{
		NodeID:  nodeID,
		Token:   "forged",
		Version: "6.6.6",
	}))
	select {
	case <-got:
		t.Fatal("forged command reached the handler")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClientHealthLossIsWindowed(t *testing.T) {
	est := NewEstimator(EstimatorConfig{})
	sched := NewScheduler(SchedulerConfig{})
	client, err := NewClient(ClientConfig{
		HubURL:     "http://127.0.0.1:8080",
		HardwareID: "hw-health",
	}, est, sched, nil, nil)
	require.NoError(t, err)

	sched.Enqueue(sceneCmd(1, 1))
	sched.Enqueue(sceneCmd(4, 2)) // 2 and 3 lost
	require.InDelta(t, 50.0, client.health().LossPct, 0.01)

	// a clean interval reports clean, the old burst does not linger
	for seq := uint32(5); seq <= 14; seq++ {
		sched.Enqueue(sceneCmd(seq, int64(seq)))
	}
	require.Zero(t, client.health().LossPct)
}

func TestClientDisarmsOnDisconnect(t *testing.T) {
	reg := hub.NewRegistry(hub.RegistryConfig{}, clock.Real(), nil)
	srv := hub.NewServer(hub.ServerConfig{}, clock.Real(), reg)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleNodeWS))

	client, _, recv := startTestClient(t, ts.URL)
	require.Eventually(t, func() bool {
		_, token := client.Session()
		return token != ""
	}, 3*time.Second, 10*time.Millisecond)

	// the receiver accepts packets only while the session is armed
	_, token := client.Session()
	frame := frameFor(t, token, &proto.StreamPacket{Type: proto.StreamHeartbeat, Seq: 1})
	var cmd model.Command
	recv.handlePacket(frame, &cmd)
	received, _ := recv.Counters()
	require.Equal(t, uint64(1), received)

	ts.Close()
	require.Eventually(t, func() bool {
		nodeID, _ := client.Session()
		return nodeID == ""
	}, 3*time.Second, 10*time.Millisecond)

	recv.handlePacket(frame, &cmd)
	received, rejected := recv.Counters()
	require.Equal(t, uint64(1), received)
	require.GreaterOrEqual(t, rejected, uint64(1))
}
