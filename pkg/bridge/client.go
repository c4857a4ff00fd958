package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/pion/ion-jingle/pkg/candidate"
	"github.com/pion/ion-jingle/pkg/discovery"
	"github.com/pion/ion-jingle/pkg/log"
	"github.com/pion/ion-jingle/pkg/proto"
	"github.com/pion/ion-jingle/pkg/reflector"
	"github.com/pion/ion-jingle/pkg/util"
)

// Client talks to the relays of one domain. Every method turns failures
// into nil, false or "" so callers can fall back to other strategies.
type Client struct {
	rpc     proto.RPC
	disco   discovery.Discoverer
	domain  string
	timeout time.Duration
}

// NewClient returns a client; timeout bounds every request, 0 uses
// util.DefaultReplyTimeout.
func NewClient(rpc proto.RPC, disco discovery.Discoverer, domain string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = util.DefaultReplyTimeout
	}
	return &Client{
		rpc:     rpc,
		disco:   disco,
		domain:  domain,
		timeout: timeout,
	}
}

func (c *Client) replyTimeout(ctx context.Context) time.Duration {
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	return timeout
}

func (c *Client) request(ctx context.Context, req *Request) *Response {
	if c.rpc == nil || !c.rpc.IsConnected() {
		log.Debugf("relay %s: not connected", req.Action)
		return nil
	}
	timeout := c.replyTimeout(ctx)
	if timeout <= 0 || ctx.Err() != nil {
		return nil
	}

	data, err := c.rpc.Request(Subject(c.domain), req, timeout)
	if err != nil {
		log.Warnf("relay %s on %s failed: %v", req.Action, c.domain, err)
		return nil
	}
	resp, ok := data.(*Response)
	if !ok || resp == nil {
		log.Warnf("relay %s on %s: unexpected reply %T", req.Action, c.domain, data)
		return nil
	}
	return resp
}

// RequestSession asks a relay for a new session.
func (c *Client) RequestSession(ctx context.Context, sid string) *Session {
	resp := c.request(ctx, &Request{Action: ActionCreate, SID: sid})
	if resp == nil || resp.Session == nil {
		return nil
	}
	log.Debugf("got %s", resp.Session)
	return resp.Session
}

// ServiceAvailable reports whether the domain announces a relay.
func (c *Client) ServiceAvailable(ctx context.Context) bool {
	if c.rpc == nil || !c.rpc.IsConnected() {
		return false
	}
	return discovery.HasIdentity(ctx, c.disco, c.domain, Name)
}

// RelaySession tells the relay the final pair so it can start forwarding:
// leg A faces local, leg B faces proxy.
func (c *Client) RelaySession(ctx context.Context, sid, pass string, proxy, local *candidate.Candidate) *Session {
	if proxy.IsNull() || local.IsNull() {
		return nil
	}
	resp := c.request(ctx, &Request{
		Action: ActionChange,
		SID:    sid,
		Pass:   pass,
		HostA:  local.IP,
		PortA:  local.Port,
		HostB:  proxy.IP,
		PortB:  proxy.Port,
	})
	if resp == nil {
		return nil
	}
	return resp.Session
}

// PublicIP returns the address the relay side sees this host as. It is ""
// when unknown or when it is one of the local interface addresses.
func (c *Client) PublicIP(ctx context.Context) string {
	resp := c.request(ctx, &Request{Action: ActionPublicIP})
	if resp == nil {
		return ""
	}

	ip := resp.IP
	if resp.STUN != "" {
		bctx, cancel := context.WithTimeout(ctx, c.replyTimeout(ctx))
		addr, err := reflector.Binding(bctx, "", resp.STUN)
		cancel()
		if err != nil {
			log.Warnf("public ip binding with %s: %v", resp.STUN, err)
		} else {
			ip = addr.IP.String()
		}
	}
	ip = strings.TrimSpace(ip)
	if ip == "" || util.IsLocalAddress(ip) {
		return ""
	}
	return ip
}
