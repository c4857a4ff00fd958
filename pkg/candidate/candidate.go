package candidate

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
)

// Kind separates raw-UDP candidates from ICE candidates.
type Kind int

const (
	KindFixed Kind = iota
	KindICE
)

func (k Kind) String() string {
	if k == KindICE {
		return "ice"
	}
	return "fixed"
}

// Type is the ICE candidate type.
type Type int

const (
	TypeHost Type = iota
	TypeLocal
	TypeServerReflexive
	TypePeerReflexive
	TypeRelay
)

var typeNames = map[Type]string{
	TypeHost:            "host",
	TypeLocal:           "local",
	TypeServerReflexive: "srflx",
	TypePeerReflexive:   "prflx",
	TypeRelay:           "relay",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "host"
}

// ParseType maps a wire value to a Type. Unknown values are host.
func ParseType(s string) Type {
	for t, name := range typeNames {
		if name == s {
			return t
		}
	}
	return TypeHost
}

// Protocol is the transport protocol of an ICE candidate.
type Protocol string

const (
	ProtoUDP     Protocol = "udp"
	ProtoTCP     Protocol = "tcp"
	ProtoTCPAct  Protocol = "tcp-act"
	ProtoTCPPass Protocol = "tcp-pass"
	ProtoSSLTCP  Protocol = "ssltcp"
)

// ParseProtocol maps a wire value to a Protocol. Unknown values are udp.
func ParseProtocol(s string) Protocol {
	switch p := Protocol(s); p {
	case ProtoUDP, ProtoTCP, ProtoTCPAct, ProtoTCPPass, ProtoSSLTCP:
		return p
	}
	return ProtoUDP
}

// Channel is the media channel an ICE candidate carries.
type Channel string

const (
	ChannelRTP  Channel = "myrtpvoice"
	ChannelRTCP Channel = "myrtcpvoice"
)

// ParseChannel maps a wire value to a Channel. Unknown values are rtp.
func ParseChannel(s string) Channel {
	if Channel(s) == ChannelRTCP {
		return ChannelRTCP
	}
	return ChannelRTP
}

// ICEAttributes holds the fields only ICE candidates carry.
type ICEAttributes struct {
	ID         string
	Username   string
	Preference int
	Proto      Protocol
	Channel    Channel
	Network    int
	Type       Type
}

// CheckListener receives the result of Check.
type CheckListener func(c *Candidate, ok bool)

// Candidate is one network endpoint proposed for media transport.
// Fields are set by the resolver that gathers it and are not changed after
// the candidate has been published, except Port which NewEcho may fill in.
type Candidate struct {
	IP         string
	Port       int
	LocalIP    string
	Generation int
	Name       string
	Password   string
	SessionID  string

	// ICE is nil for raw-UDP candidates.
	ICE *ICEAttributes

	mu       sync.Mutex
	echo     *Echo
	checkers map[int]CheckListener
	nextID   int
}

// New returns a raw-UDP candidate.
func New(ip string, port int) *Candidate {
	return &Candidate{IP: ip, Port: port}
}

// NewICE returns an ICE candidate. Missing protocol and channel get their
// defaults.
func NewICE(ip string, port int, attrs ICEAttributes) *Candidate {
	if attrs.Proto == "" {
		attrs.Proto = ProtoUDP
	}
	if attrs.Channel == "" {
		attrs.Channel = ChannelRTP
	}
	return &Candidate{IP: ip, Port: port, ICE: &attrs}
}

// IsNull reports whether the candidate cannot be used at all.
func (c *Candidate) IsNull() bool {
	return c == nil || c.IP == "" || c.Port < 0
}

// Equal compares address, port, generation and name.
func (c *Candidate) Equal(o *Candidate) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.IP == o.IP && c.Port == o.Port && c.Generation == o.Generation && c.Name == o.Name
}

// BindIP is the address sockets for this candidate are bound to.
func (c *Candidate) BindIP() string {
	if c.LocalIP != "" {
		return c.LocalIP
	}
	return c.IP
}

func (c *Candidate) Kind() Kind {
	if c.ICE != nil {
		return KindICE
	}
	return KindFixed
}

// IsType reports whether c is an ICE candidate of type t.
func (c *Candidate) IsType(t Type) bool {
	return c.ICE != nil && c.ICE.Type == t
}

// Preference is the ICE preference, 0 for raw-UDP candidates.
func (c *Candidate) Preference() int {
	if c.ICE == nil {
		return 0
	}
	return c.ICE.Preference
}

func (c *Candidate) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

func (c *Candidate) String() string {
	if c.ICE != nil {
		return fmt.Sprintf("%s %s:%d (local %s) pref=%d gen=%d name=%s", c.ICE.Type, c.IP, c.Port, c.BindIP(), c.ICE.Preference, c.Generation, c.Name)
	}
	return fmt.Sprintf("fixed %s:%d (local %s) gen=%d name=%s", c.IP, c.Port, c.BindIP(), c.Generation, c.Name)
}

// Echo returns the attached prober, nil when the candidate has none.
func (c *Candidate) Echo() *Echo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.echo
}

func (c *Candidate) setEcho(e *Echo) {
	c.mu.Lock()
	c.echo = e
	c.mu.Unlock()
}

// AddEcho creates a prober for the candidate, attaches it and starts its
// responder loop.
func (c *Candidate) AddEcho(session SessionInfo, cfg EchoConfig) (*Echo, error) {
	e, err := NewEchoWithConfig(c, session, cfg)
	if err != nil {
		return nil, err
	}
	e.Start()
	return e, nil
}

// CloseEcho stops and detaches the prober if there is one.
func (c *Candidate) CloseEcho() {
	c.mu.Lock()
	e := c.echo
	c.echo = nil
	c.mu.Unlock()
	if e != nil {
		e.Close()
	}
}

// AddCheckListener registers l and returns a function removing it.
func (c *Candidate) AddCheckListener(l CheckListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkers == nil {
		c.checkers = make(map[int]CheckListener)
	}
	id := c.nextID
	c.nextID++
	c.checkers[id] = l
	return func() {
		c.mu.Lock()
		delete(c.checkers, id)
		c.mu.Unlock()
	}
}

func (c *Candidate) fireChecked(ok bool) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.checkers))
	for id := range c.checkers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]CheckListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.checkers[id])
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(c, ok)
	}
}

// SortByPreference orders ICE candidates by ascending preference. Equal
// preferences keep their relative order.
func SortByPreference(cands []*Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Preference() < cands[j].Preference()
	})
}
