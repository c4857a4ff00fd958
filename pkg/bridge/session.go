package bridge

import (
	"encoding/gob"
	"fmt"
)

// Name prefixes the identity relays announce and the subject they serve.
const Name = "rtpbridge"

// Action selects what a Request asks the relay to do.
type Action string

const (
	ActionCreate   Action = "create"
	ActionChange   Action = "change"
	ActionPublicIP Action = "publicip"
)

// Session is a relay allocation: two UDP legs on IP spliced together.
type Session struct {
	SID   string
	Pass  string
	IP    string
	Name  string
	PortA int
	PortB int
	HostA string
	HostB string
}

func (s *Session) String() string {
	return fmt.Sprintf("relay %s %s:%d<->%s:%d", s.SID, s.IP, s.PortA, s.IP, s.PortB)
}

// Request is sent by Client to the relay.
type Request struct {
	Action Action
	SID    string
	Pass   string
	HostA  string
	PortA  int
	HostB  string
	PortB  int
}

// Response is what the relay answers. STUN is the address of its
// reflector, IP the address it observed when no reflector runs.
type Response struct {
	Session *Session
	STUN    string
	IP      string
}

// Subject is the request subject of the relays serving domain.
func Subject(domain string) string {
	return Name + "." + domain
}

func init() {
	gob.Register(&Request{})
	gob.Register(&Response{})
}
