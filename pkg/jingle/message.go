package jingle

import (
	"encoding/json"

	"github.com/pion/ion-jingle/pkg/candidate"
)

// Action is the jingle action a Message carries.
type Action string

const (
	ActionSessionInitiate Action = "session-initiate"
	ActionSessionAccept   Action = "session-accept"
	ActionContentAccept   Action = "content-accept"
	ActionTransportInfo   Action = "transport-info"
	ActionError           Action = "error"
	ActionResult          Action = "result"
	ActionAck             Action = "ack"
)

// Transport namespaces.
const (
	NSRawUDP = "urn:xmpp:jingle:transports:raw-udp:1"
	NSICE    = "urn:xmpp:jingle:transports:ice-udp:1"
)

/// Wire types ///

// CandidateInfo is a candidate as it travels between peers.
type CandidateInfo struct {
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Generation int    `json:"generation"`
	Name       string `json:"name,omitempty"`
	Password   string `json:"password,omitempty"`
	SessionID  string `json:"sid,omitempty"`

	ID         string `json:"id,omitempty"`
	Username   string `json:"username,omitempty"`
	Preference int    `json:"preference,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Network    int    `json:"network,omitempty"`
	Type       string `json:"type,omitempty"`
}

type Transport struct {
	Namespace  string          `json:"xmlns"`
	Candidates []CandidateInfo `json:"candidates,omitempty"`
}

type Content struct {
	Name      string     `json:"name"`
	Creator   string     `json:"creator,omitempty"`
	Transport *Transport `json:"transport,omitempty"`
}

// Message is one jingle exchange between the two endpoints of a session.
type Message struct {
	ID       string    `json:"id"`
	SID      string    `json:"sid"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	Action   Action    `json:"action"`
	Contents []Content `json:"contents,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (m *Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

// Content returns the content called name, nil if the message has none.
func (m *Message) Content(name string) *Content {
	for i := range m.Contents {
		if m.Contents[i].Name == name {
			return &m.Contents[i]
		}
	}
	return nil
}

// Decode returns the candidates the transport carries.
func (t *Transport) Decode() []*candidate.Candidate {
	if t == nil {
		return nil
	}
	cands := make([]*candidate.Candidate, 0, len(t.Candidates))
	for _, ci := range t.Candidates {
		cands = append(cands, ci.Candidate())
	}
	return cands
}

// Candidate decodes the wire form. Entries carrying an ICE type become ICE
// candidates.
func (ci CandidateInfo) Candidate() *candidate.Candidate {
	var c *candidate.Candidate
	if ci.Type != "" {
		c = candidate.NewICE(ci.IP, ci.Port, candidate.ICEAttributes{
			ID:         ci.ID,
			Username:   ci.Username,
			Preference: ci.Preference,
			Proto:      candidate.ParseProtocol(ci.Protocol),
			Channel:    candidate.ParseChannel(ci.Channel),
			Network:    ci.Network,
			Type:       candidate.ParseType(ci.Type),
		})
	} else {
		c = candidate.New(ci.IP, ci.Port)
	}
	c.Generation = ci.Generation
	c.Name = ci.Name
	c.Password = ci.Password
	c.SessionID = ci.SessionID
	return c
}

// Info encodes c for the wire. The local address and the prober stay local.
func Info(c *candidate.Candidate) CandidateInfo {
	ci := CandidateInfo{
		IP:         c.IP,
		Port:       c.Port,
		Generation: c.Generation,
		Name:       c.Name,
		Password:   c.Password,
		SessionID:  c.SessionID,
	}
	if a := c.ICE; a != nil {
		ci.ID = a.ID
		ci.Username = a.Username
		ci.Preference = a.Preference
		ci.Protocol = string(a.Proto)
		ci.Channel = string(a.Channel)
		ci.Network = a.Network
		ci.Type = a.Type.String()
	}
	return ci
}

// NewTransport wraps cands in a transport of namespace ns.
func NewTransport(ns string, cands ...*candidate.Candidate) *Transport {
	t := &Transport{Namespace: ns}
	for _, c := range cands {
		t.Candidates = append(t.Candidates, Info(c))
	}
	return t
}
