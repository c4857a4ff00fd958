package candidate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	sid       string
	initiator string
	responder string
	isInit    bool
}

func (s fakeSession) SID() string       { return s.sid }
func (s fakeSession) Initiator() string { return s.initiator }
func (s fakeSession) Responder() string { return s.responder }
func (s fakeSession) IsInitiator() bool { return s.isInit }

func fastEcho() EchoConfig {
	return EchoConfig{
		BufferSize:    150,
		ReplyTries:    2,
		ReplyDelay:    5 * time.Millisecond,
		ProbeTries:    10,
		ProbeInterval: 20 * time.Millisecond,
		Grace:         50 * time.Millisecond,
		CheckRounds:   10,
		CheckInterval: 40 * time.Millisecond,
	}
}

func TestIsNull(t *testing.T) {
	assert.True(t, New("", 1000).IsNull())
	assert.True(t, New("10.0.0.1", -1).IsNull())
	assert.False(t, New("10.0.0.1", 0).IsNull())
	assert.False(t, New("10.0.0.1", 5000).IsNull())

	var c *Candidate
	assert.True(t, c.IsNull())
}

func TestEqual(t *testing.T) {
	a := New("10.0.0.1", 5000)
	b := New("10.0.0.1", 5000)
	b.Password = "different"
	assert.True(t, a.Equal(b))

	b.Generation = 1
	assert.False(t, a.Equal(b))

	c := NewICE("10.0.0.1", 5000, ICEAttributes{Preference: 3})
	assert.True(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}

func TestBindIPAndKind(t *testing.T) {
	c := New("1.2.3.4", 5000)
	assert.Equal(t, "1.2.3.4", c.BindIP())
	c.LocalIP = "192.168.0.2"
	assert.Equal(t, "192.168.0.2", c.BindIP())
	assert.Equal(t, KindFixed, c.Kind())

	ice := NewICE("1.2.3.4", 5000, ICEAttributes{Type: TypeRelay})
	assert.Equal(t, KindICE, ice.Kind())
	assert.True(t, ice.IsType(TypeRelay))
	assert.False(t, c.IsType(TypeRelay))
	assert.Equal(t, ProtoUDP, ice.ICE.Proto)
	assert.Equal(t, ChannelRTP, ice.ICE.Channel)
}

func TestParseEnums(t *testing.T) {
	assert.Equal(t, TypeServerReflexive, ParseType("srflx"))
	assert.Equal(t, TypeRelay, ParseType("relay"))
	assert.Equal(t, TypeHost, ParseType("bogus"))
	assert.Equal(t, "prflx", TypePeerReflexive.String())

	assert.Equal(t, ProtoTCPPass, ParseProtocol("tcp-pass"))
	assert.Equal(t, ProtoUDP, ParseProtocol("sctp"))
	assert.Equal(t, ChannelRTCP, ParseChannel("myrtcpvoice"))
	assert.Equal(t, ChannelRTP, ParseChannel("video"))
}

func TestSortByPreference(t *testing.T) {
	a := NewICE("10.0.0.1", 1, ICEAttributes{Preference: 10})
	b := NewICE("10.0.0.2", 2, ICEAttributes{Preference: 50})
	c := NewICE("10.0.0.3", 3, ICEAttributes{Preference: 30})
	d := NewICE("10.0.0.4", 4, ICEAttributes{Preference: 30})

	cands := []*Candidate{a, b, c, d}
	SortByPreference(cands)
	assert.Equal(t, []*Candidate{a, c, d, b}, cands)
}

func TestSymmetricTable(t *testing.T) {
	tbl := NewSymmetricTable()
	local := New("10.0.0.5", 9000)
	local.SessionID = "relay-1"
	remote := New("10.0.0.5", 9001)
	remote.SessionID = "relay-1"

	tbl.Link(local, remote)
	assert.Equal(t, remote, tbl.Partner(local))
	assert.Equal(t, local, tbl.Partner(remote))
	assert.Nil(t, tbl.Partner(New("10.0.0.5", 9002)))
	assert.Equal(t, 1, tbl.Len())

	tbl.Unlink("relay-1")
	assert.Nil(t, tbl.Partner(local))
	assert.Equal(t, 0, tbl.Len())
}

func TestCheckListenerRemoval(t *testing.T) {
	c := New("127.0.0.1", 1)
	calls := 0
	remove := c.AddCheckListener(func(*Candidate, bool) { calls++ })
	c.fireChecked(true)
	remove()
	c.fireChecked(true)
	assert.Equal(t, 1, calls)
}

func checkResult(t *testing.T, c *Candidate, locals []*Candidate) bool {
	res := make(chan bool, 1)
	c.AddCheckListener(func(_ *Candidate, ok bool) { res <- ok })
	c.Check(locals)
	select {
	case ok := <-res:
		return ok
	case <-time.After(5 * time.Second):
		t.Fatal("check did not finish")
	}
	return false
}

func TestCheckRelayIsFalse(t *testing.T) {
	relay := NewICE("127.0.0.1", 9000, ICEAttributes{Type: TypeRelay})
	assert.False(t, checkResult(t, relay, nil))
}

func TestCheckWithoutProbers(t *testing.T) {
	assert.True(t, checkResult(t, New("127.0.0.1", 9000), nil))
	assert.False(t, checkResult(t, NewICE("127.0.0.1", 9000, ICEAttributes{Type: TypeHost}), nil))
}

func TestCheckWithEcho(t *testing.T) {
	sess := fakeSession{sid: "s1", initiator: "a@x", responder: "b@x", isInit: true}

	local := New("127.0.0.1", 0)
	local.Password = "pa"
	le, err := local.AddEcho(sess, fastEcho())
	require.NoError(t, err)
	defer le.Close()

	remote := New("127.0.0.1", 0)
	remote.Password = "pb"
	re, err := remote.AddEcho(sess, fastEcho())
	require.NoError(t, err)
	defer re.Close()

	assert.True(t, checkResult(t, remote, []*Candidate{local}))
}

func TestCheckICETypeMismatch(t *testing.T) {
	sess := fakeSession{sid: "s1", initiator: "a@x", responder: "b@x", isInit: true}

	local := NewICE("127.0.0.1", 0, ICEAttributes{Type: TypeServerReflexive})
	le, err := local.AddEcho(sess, fastEcho())
	require.NoError(t, err)
	defer le.Close()

	remote := NewICE("127.0.0.1", 0, ICEAttributes{Type: TypeHost})
	remote.Password = "pb"
	re, err := remote.AddEcho(sess, fastEcho())
	require.NoError(t, err)
	defer re.Close()

	assert.False(t, checkResult(t, remote, []*Candidate{local}))
}
