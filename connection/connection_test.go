// SPDX-License-Identifier: AGPL-3.0-only

package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nettick/nettick/config"
	"github.com/nettick/nettick/core/tick"
	"github.com/nettick/nettick/core/wire/commands"
	"github.com/nettick/nettick/transport/memory"
)

func testCfg(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.KeepaliveTimeoutMS = 400
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

type pairFixture struct {
	net    *memory.Network
	mgr    *Manager
	client *ClientConn
}

func newPairFixture(t *testing.T, cfg *config.Config) *pairFixture {
	t.Helper()
	n := memory.NewNetwork(1)
	serverEP := n.Endpoint("server")
	clientEP := n.Endpoint("client")

	var serverTick tick.Tick
	mgr, err := NewManager(cfg, serverEP, func() tick.Tick { return serverTick }, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	cc, err := NewClientConn(cfg, clientEP, serverEP.LocalAddr(), []byte("session"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })

	return &pairFixture{net: n, mgr: mgr, client: cc}
}

// step drives both ends once through the per frame order.
func (f *pairFixture) step() {
	now := time.Now()
	f.client.Pump(now)
	f.client.Tick(now)
	f.client.Flush(now)
	f.mgr.Pump(now)
	f.mgr.Tick(now)
	f.mgr.Flush(now)
}

// stepUntil drives both ends until cond holds or the deadline passes.
func (f *pairFixture) stepUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.step()
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", timeout)
}

func TestHandshakeToConnected(t *testing.T) {
	f := newPairFixture(t, testCfg(t))
	f.client.Connect(time.Now())
	require.Equal(t, StateConnecting, f.client.State())

	f.stepUntil(t, 3*time.Second, func() bool { return f.client.State() == StateConnected })

	require.NotZero(t, f.client.ClientID())
	select {
	case e := <-f.client.Events():
		ce, ok := e.(ConnectEvent)
		require.True(t, ok)
		require.Equal(t, f.client.ClientID(), ce.Peer)
	default:
		t.Fatal("no connect event emitted")
	}

	// The server saw the same peer come up.
	select {
	case e := <-f.mgr.Events():
		ce, ok := e.(ConnectEvent)
		require.True(t, ok)
		require.Equal(t, f.client.ClientID(), ce.Peer)
	default:
		t.Fatal("no server connect event")
	}
	require.Len(t, f.mgr.Peers(), 1)
}

func TestApplicationCommandRouting(t *testing.T) {
	f := newPairFixture(t, testCfg(t))

	var got []commands.Command
	f.mgr.OnCommand = func(_ *Peer, cmd commands.Command) { got = append(got, cmd) }

	f.client.Connect(time.Now())
	f.stepUntil(t, 3*time.Second, func() bool { return f.client.State() == StateConnected })

	require.NoError(t, f.client.Send(ChannelUnreliable, &commands.Input{
		TargetTick: tick.Tick(42), DiffCount: 0, Payload: []byte{1, 2},
	}))
	f.stepUntil(t, time.Second, func() bool { return len(got) > 0 })

	in, ok := got[0].(*commands.Input)
	require.True(t, ok)
	require.Equal(t, tick.Tick(42), in.TargetTick)
}

func TestSendRequiresConnected(t *testing.T) {
	f := newPairFixture(t, testCfg(t))
	err := f.client.Send(ChannelUnreliable, &commands.Ping{})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClientTimeoutDisconnects(t *testing.T) {
	f := newPairFixture(t, testCfg(t))
	f.client.Connect(time.Now())
	f.stepUntil(t, 3*time.Second, func() bool { return f.client.State() == StateConnected })
	for len(f.client.Events()) > 0 {
		<-f.client.Events()
	}

	// The server goes silent; the client must give up after the
	// keepalive timeout.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && f.client.State() == StateConnected {
		now := time.Now()
		f.client.Pump(now)
		f.client.Tick(now)
		f.client.Flush(now)
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, StateDisconnected, f.client.State())

	select {
	case e := <-f.client.Events():
		de, ok := e.(DisconnectEvent)
		require.True(t, ok)
		require.Equal(t, commands.DisconnectTimeout, de.Reason)
	default:
		t.Fatal("no disconnect event")
	}
}

func TestExplicitDisconnectNotifiesServer(t *testing.T) {
	f := newPairFixture(t, testCfg(t))
	f.client.Connect(time.Now())
	f.stepUntil(t, 3*time.Second, func() bool { return f.client.State() == StateConnected })
	for len(f.mgr.Events()) > 0 {
		<-f.mgr.Events()
	}

	f.client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(f.mgr.Peers()) > 0 {
		now := time.Now()
		f.mgr.Pump(now)
		f.mgr.Tick(now)
		f.mgr.Flush(now)
		time.Sleep(2 * time.Millisecond)
	}
	require.Empty(t, f.mgr.Peers())
}

func TestAuthenticatorRejects(t *testing.T) {
	cfg := testCfg(t)
	n := memory.NewNetwork(1)
	serverEP := n.Endpoint("server")
	clientEP := n.Endpoint("client")

	auth := &SecretAuthenticator{Secret: []byte("shared-secret")}
	mgr, err := NewManager(cfg, serverEP, func() tick.Tick { return 0 }, auth, nil, nil)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	// Wrong key material: never admitted.
	cc, err := NewClientConn(cfg, clientEP, serverEP.LocalAddr(), []byte("bogus"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })

	cc.Connect(time.Now())
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		now := time.Now()
		cc.Pump(now)
		cc.Tick(now)
		cc.Flush(now)
		mgr.Pump(now)
		mgr.Tick(now)
		mgr.Flush(now)
		time.Sleep(2 * time.Millisecond)
	}
	require.Empty(t, mgr.Peers())
	require.NotEqual(t, StateConnected, cc.State())
}

func TestSessionKeyDerivation(t *testing.T) {
	secret := []byte("shared-secret")
	token := NewSessionToken()
	sealed := SealSessionKey(secret, token)

	auth := &SecretAuthenticator{Secret: secret}
	require.True(t, auth.Authenticate(sealed))

	other := &SecretAuthenticator{Secret: []byte("different")}
	require.False(t, other.Authenticate(sealed))

	sealed[len(sealed)-1] ^= 0xFF
	require.False(t, auth.Authenticate(sealed))
}
