package resolver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/ion-jingle/pkg/bridge"
	"github.com/pion/ion-jingle/pkg/candidate"
	"github.com/pion/ion-jingle/pkg/discovery"
	"github.com/pion/ion-jingle/pkg/proto"
	"github.com/pion/ion-jingle/pkg/reflector"
	"github.com/pion/ion-jingle/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const domain = "test"

type fakeSession struct {
	sid       string
	initiator bool
}

func (s fakeSession) SID() string       { return s.sid }
func (s fakeSession) Initiator() string { return "alice" }
func (s fakeSession) Responder() string { return "bob" }
func (s fakeSession) IsInitiator() bool { return s.initiator }

var session = fakeSession{sid: "session-1", initiator: true}

func fastEcho() candidate.EchoConfig {
	cfg := candidate.DefaultEchoConfig()
	cfg.ProbeInterval = 20 * time.Millisecond
	cfg.Grace = 50 * time.Millisecond
	cfg.CheckInterval = 50 * time.Millisecond
	return cfg
}

// fakeRelay answers relay requests with a fixed session and public ip.
func fakeRelay(t *testing.T, publicIP string) *bridge.Client {
	rpc := proto.NewLocalRPC()
	_, err := rpc.Subscribe(bridge.Subject(domain), func(msg interface{}) (interface{}, error) {
		req := msg.(*bridge.Request)
		switch req.Action {
		case bridge.ActionCreate:
			return &bridge.Response{Session: &bridge.Session{
				SID:   req.SID,
				Pass:  "secret",
				IP:    "10.0.0.5",
				Name:  bridge.Name,
				PortA: 9000,
				PortB: 9001,
			}}, nil
		case bridge.ActionPublicIP:
			return &bridge.Response{IP: publicIP}, nil
		}
		return &bridge.Response{}, nil
	})
	require.NoError(t, err)
	disco := discovery.NewStatic(discovery.Identity{Domain: domain, Name: bridge.Name + "-1"})
	return bridge.NewClient(rpc, disco, domain, time.Second)
}

func iceCandidate(pref int) *candidate.Candidate {
	return candidate.NewICE("10.0.0.1", 1000+pref, candidate.ICEAttributes{Preference: pref})
}

func TestPreferredCandidate(t *testing.T) {
	s := newStore()
	assert.Nil(t, s.PreferredCandidate())

	s.add(context.Background(), candidate.New("10.0.0.9", 4000))
	assert.Nil(t, s.PreferredCandidate())

	for _, p := range []int{10, 50, 30} {
		s.add(context.Background(), iceCandidate(p))
	}
	assert.Equal(t, 50, s.PreferredCandidate().Preference())
}

func TestStoreDeduplicates(t *testing.T) {
	s := newStore()
	s.add(context.Background(), candidate.New("10.0.0.1", 5000))
	s.add(context.Background(), candidate.New("10.0.0.1", 5000))
	s.add(context.Background(), candidate.New("", 5000))
	s.add(context.Background(), candidate.New("10.0.0.1", -1))
	assert.Len(t, s.Candidates(), 1)
}

func TestListeners(t *testing.T) {
	r := NewFixed("10.0.0.1", 5000)
	require.NoError(t, r.Initialize())
	assert.True(t, r.IsInitialized())

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	remove := r.AddListener(Listener{
		ResolveInit:    func() { record("init") },
		CandidateAdded: func(c *candidate.Candidate) { record("added " + c.Addr()) },
		ResolveEnd:     func() { record("end") },
	})

	require.NoError(t, r.Resolve(context.Background(), session))
	require.NoError(t, r.Resolve(context.Background(), session))
	assert.Equal(t, []string{"init", "added 10.0.0.1:5000", "end"}, events)
	assert.True(t, r.IsResolved())
	assert.False(t, r.IsResolving())

	remove()
	require.NoError(t, r.Clear())
	require.NoError(t, r.Resolve(context.Background(), session))
	assert.Len(t, events, 3)
	assert.Len(t, r.Candidates(), 1)
}

func TestClearClosesEchoes(t *testing.T) {
	r := NewFixed("127.0.0.1", 0, WithEcho(fastEcho()))
	require.NoError(t, r.Resolve(context.Background(), session))

	cands := r.Candidates()
	require.Len(t, cands, 1)
	c := cands[0]
	require.NotNil(t, c.Echo())
	assert.NotZero(t, c.Port)

	require.NoError(t, r.Clear())
	assert.Empty(t, r.Candidates())
	assert.Nil(t, c.Echo())
	assert.False(t, r.IsResolved())
}

func TestBasic(t *testing.T) {
	r := NewBasic()
	require.NoError(t, InitializeAndWait(context.Background(), r, 10*time.Millisecond))
	require.NoError(t, r.Resolve(context.Background(), session))

	cands := r.Candidates()
	require.Len(t, cands, 1)
	c := cands[0]
	assert.Equal(t, candidate.KindFixed, c.Kind())
	assert.True(t, c.Port > 0)
	if util.PickHostAddress(util.LocalIPs()) != nil {
		ip := net.ParseIP(c.IP)
		require.NotNil(t, ip)
		assert.False(t, ip.IsLoopback())
		assert.False(t, ip.IsLinkLocalUnicast())
	}
	assert.Nil(t, r.PreferredCandidate())
}

// stuck never finishes initializing.
type stuck struct {
	*Store
}

func (stuck) Type() Type        { return "stuck" }
func (stuck) Initialize() error { return nil }
func (stuck) Resolve(context.Context, candidate.SessionInfo) error {
	return nil
}

func TestInitializeAndWaitTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := InitializeAndWait(ctx, stuck{newStore()}, 10*time.Millisecond)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestSTUNNoServer(t *testing.T) {
	r := NewSTUN([]string{"", "no-port"}, 0)
	assert.Equal(t, ErrNoSTUNServer, r.Initialize())
	assert.Equal(t, "", r.Server())
}

func TestSTUN(t *testing.T) {
	ip := util.PickHostAddress(util.LocalIPs())
	if ip == nil {
		t.Skip("no usable interface address")
	}
	srv, err := reflector.Listen(net.JoinHostPort(ip.String(), "0"))
	require.NoError(t, err)
	defer srv.Close()

	r := NewSTUN([]string{"bad", srv.Addr().String()}, 7000)
	require.NoError(t, InitializeAndWait(context.Background(), r, 100*time.Millisecond))
	assert.Equal(t, srv.Addr().String(), r.Server())
	require.NoError(t, r.Resolve(context.Background(), session))

	cands := r.Candidates()
	require.Len(t, cands, 1)
	assert.Equal(t, 7000, cands[0].Port)
	assert.NotEmpty(t, cands[0].LocalIP)
	assert.True(t, util.IsLocalAddress(cands[0].IP))
}

func TestBridged(t *testing.T) {
	r := NewBridged(fakeRelay(t, ""), nil)
	require.NoError(t, r.Initialize())
	require.NoError(t, r.Resolve(context.Background(), session))

	cands := r.Candidates()
	require.Len(t, cands, 1)
	local := cands[0]
	assert.Equal(t, "10.0.0.5", local.IP)
	assert.Equal(t, 9000, local.Port)
	assert.Equal(t, "secret", local.Password)
	assert.Equal(t, "session-1", local.SessionID)

	remote := r.Symmetric().Partner(local)
	require.NotNil(t, remote)
	assert.Equal(t, 9001, remote.Port)
	assert.Equal(t, "secret", remote.Password)
	assert.Same(t, local, r.Symmetric().Partner(remote))

	require.NoError(t, r.Clear())
	assert.Zero(t, r.Symmetric().Len())
}

func TestBridgedNoRelay(t *testing.T) {
	client := bridge.NewClient(proto.NewLocalRPC(), nil, domain, 50*time.Millisecond)
	r := NewBridged(client, nil)
	require.NoError(t, r.Resolve(context.Background(), session))
	assert.Empty(t, r.Candidates())
	assert.True(t, r.IsResolved())
}

func TestEngineCache(t *testing.T) {
	cache := NewEngineCache()
	a := cache.Engine("STUN.example.org:3478")
	b := cache.Engine("stun.example.org:03478")
	assert.Same(t, a, b)
	assert.NotSame(t, a, cache.Engine("stun.example.org:3479"))
	assert.Equal(t, 2, cache.Len())
}

func TestICE(t *testing.T) {
	cache := NewEngineCache()
	server := "stun.example.org:3478"
	cache.Put(newGatheredEngine(server, []Address{
		{IP: "127.0.0.1", Port: 5000, Base: "127.0.0.1", Type: candidate.TypeHost, Priority: 100},
	}))

	r := NewICE(cache, server, fakeRelay(t, "203.0.113.7"), WithEcho(fastEcho()))
	require.NoError(t, InitializeAndWait(context.Background(), r, 10*time.Millisecond))
	require.NoError(t, r.Resolve(context.Background(), session))
	defer r.Clear()

	cands := r.Candidates()
	require.Len(t, cands, 3)

	host, relay, public := cands[0], cands[1], cands[2]
	assert.True(t, host.IsType(candidate.TypeHost))
	assert.Equal(t, "127.0.0.1", host.IP)
	assert.Equal(t, 100, host.Preference())
	assert.NotEmpty(t, host.Password)
	assert.Equal(t, "1", host.ICE.Username)
	assert.NotNil(t, host.Echo())

	assert.True(t, relay.IsType(candidate.TypeRelay))
	assert.Equal(t, 0, relay.Preference())
	assert.Nil(t, relay.Echo())
	partner := r.Symmetric().Partner(relay)
	require.NotNil(t, partner)
	assert.Equal(t, 9001, partner.Port)

	assert.True(t, public.IsType(candidate.TypeServerReflexive))
	assert.Equal(t, "203.0.113.7", public.IP)
	assert.Equal(t, "127.0.0.1", public.BindIP())
	assert.NotNil(t, public.Echo())

	assert.Same(t, host, r.PreferredCandidate())

	// a new round replaces the previous candidates and their probers
	require.NoError(t, r.Resolve(context.Background(), session))
	assert.Nil(t, host.Echo())
	assert.Len(t, r.Candidates(), 3)
}

func TestICEWithoutRelay(t *testing.T) {
	cache := NewEngineCache()
	cache.Put(newGatheredEngine("s:1", []Address{
		{IP: "127.0.0.1", Base: "127.0.0.1", Type: candidate.TypeHost, Priority: 10},
		{IP: "127.0.0.1", Base: "127.0.0.1", Type: candidate.TypeHost, Priority: 20},
	}))
	r := NewICE(cache, "s:1", nil)
	require.NoError(t, InitializeAndWait(context.Background(), r, 10*time.Millisecond))
	require.NoError(t, r.Resolve(context.Background(), session))
	defer r.Clear()

	require.Len(t, r.Candidates(), 2)
	assert.Equal(t, 20, r.PreferredCandidate().Preference())
}

func gatheredEngine(server string, n int) *EngineCache {
	cache := NewEngineCache()
	var addrs []Address
	for i := 0; i < n; i++ {
		addrs = append(addrs, Address{IP: "127.0.0.1", Base: "127.0.0.1", Type: candidate.TypeHost, Priority: uint32(10 * (i + 1))})
	}
	cache.Put(newGatheredEngine(server, addrs))
	return cache
}

func TestClearDuringResolve(t *testing.T) {
	r := NewICE(gatheredEngine("s:1", 5), "s:1", nil, WithEcho(fastEcho()))
	require.NoError(t, InitializeAndWait(context.Background(), r, 10*time.Millisecond))

	var first *candidate.Candidate
	r.AddListener(Listener{CandidateAdded: func(c *candidate.Candidate) {
		if first == nil {
			first = c
			require.NoError(t, r.Clear())
		}
	}})
	require.NoError(t, r.Resolve(context.Background(), session))

	require.NotNil(t, first)
	assert.Nil(t, first.Echo())
	assert.Empty(t, r.Candidates())
	assert.False(t, r.IsResolving())
	assert.False(t, r.IsResolved())

	// a later round works again
	require.NoError(t, r.Resolve(context.Background(), session))
	defer r.Clear()
	assert.Len(t, r.Candidates(), 5)
}

func TestResolveNotReentered(t *testing.T) {
	r := NewICE(gatheredEngine("s:2", 3), "s:2", nil)
	require.NoError(t, InitializeAndWait(context.Background(), r, 10*time.Millisecond))

	var inits, nested int
	r.AddListener(Listener{
		ResolveInit: func() { inits++ },
		CandidateAdded: func(c *candidate.Candidate) {
			if nested == 0 {
				nested++
				require.NoError(t, r.Cancel())
				assert.False(t, r.IsResolving())
				require.NoError(t, r.Resolve(context.Background(), session))
			}
		},
	})
	require.NoError(t, r.Resolve(context.Background(), session))
	defer r.Clear()

	assert.Equal(t, 1, inits)
	assert.Len(t, r.Candidates(), 1)
	assert.False(t, r.IsResolved())
}
