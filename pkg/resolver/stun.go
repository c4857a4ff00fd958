package resolver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/ion-jingle/pkg/candidate"
	"github.com/pion/ion-jingle/pkg/log"
	"github.com/pion/ion-jingle/pkg/reflector"
	"github.com/pion/ion-jingle/pkg/util"
)

// ErrNoSTUNServer is returned by Initialize when no configured server is
// usable.
var ErrNoSTUNServer = errors.New("no usable stun server")

const stunBindingTimeout = 3 * time.Second

// STUN offers the public address a STUN server sees this host as.
type STUN struct {
	*Store
	servers     []string
	defaultPort int
	opts        options

	mu     sync.Mutex
	server string
	public *candidate.Candidate
}

// NewSTUN uses the first usable entry of servers. defaultPort is given to
// the candidate, 0 picks a free port.
func NewSTUN(servers []string, defaultPort int, opts ...Option) *STUN {
	return &STUN{
		Store:       newStore(),
		servers:     servers,
		defaultPort: defaultPort,
		opts:        newOptions(opts),
	}
}

func (s *STUN) Type() Type { return TypeSTUN }

// Server is the chosen STUN server, "" before Initialize.
func (s *STUN) Server() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

func bestSTUNServer(servers []string) string {
	for _, srv := range servers {
		host, port, err := net.SplitHostPort(srv)
		if err != nil || host == "" || port == "" {
			log.Debugf("skipping stun server %q", srv)
			continue
		}
		return srv
	}
	return ""
}

// Initialize discovers the public address in the background. The resolver
// is initialized when discovery ends, whatever its outcome.
func (s *STUN) Initialize() error {
	server := bestSTUNServer(s.servers)
	if server == "" {
		return ErrNoSTUNServer
	}

	s.mu.Lock()
	if s.server != "" {
		s.mu.Unlock()
		return nil
	}
	s.server = server
	s.mu.Unlock()

	go func() {
		defer util.Recover("stun.Initialize")
		defer s.setInitialized()
		c := s.discover(server)
		s.mu.Lock()
		s.public = c
		s.mu.Unlock()
	}()
	return nil
}

// discover runs a binding from each usable interface address and takes the
// first mapping.
func (s *STUN) discover(server string) *candidate.Candidate {
	addrs, err := util.InterfaceAddrs()
	if err != nil {
		log.Warnf("stun resolver: %v", err)
		return nil
	}
	for _, a := range addrs {
		if !util.IsUsableAddress(a.IP) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), stunBindingTimeout)
		mapped, err := reflector.Binding(ctx, a.IP.String(), server)
		cancel()
		if err != nil {
			log.Debugf("stun binding from %s via %s: %v", a.IP, server, err)
			continue
		}

		port := s.defaultPort
		if port == 0 {
			port = util.FreePort()
		}
		c := candidate.New(mapped.IP.String(), port)
		c.LocalIP = a.IP.String()
		log.Infof("stun resolver: %s maps to %s", a.IP, mapped.IP)
		return c
	}
	log.Warnf("stun resolver: no mapping from %s", server)
	return nil
}

func (s *STUN) Resolve(ctx context.Context, session candidate.SessionInfo) error {
	ctx, ok := s.beginResolve(ctx)
	if !ok {
		return nil
	}
	defer s.endResolve(ctx)

	select {
	case <-s.Initialized():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	c := s.public
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	c = s.fresh(c)
	if s.opts.echo {
		if err := attachEcho(c, session, s.opts.echoCfg); err != nil {
			log.Warnf("stun resolver: %v", err)
		}
	}
	s.add(ctx, c)
	return nil
}

// fresh copies the discovered address so each resolution owns its own
// candidate and prober.
func (s *STUN) fresh(c *candidate.Candidate) *candidate.Candidate {
	n := candidate.New(c.IP, c.Port)
	n.LocalIP = c.LocalIP
	return n
}
