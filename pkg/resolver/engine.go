package resolver

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/ice/v2"
	"github.com/pion/ion-jingle/pkg/candidate"
	"github.com/pion/ion-jingle/pkg/log"
	"github.com/pion/ion-jingle/pkg/util"
)

const gatherTimeout = 10 * time.Second

// Address is one transport address an Engine discovered.
type Address struct {
	IP       string
	Port     int
	Base     string
	Type     candidate.Type
	Priority uint32
	Network  int
}

// Engine gathers the host and server reflexive addresses of this machine
// against one STUN server. Gathering runs once; every resolution reuses
// the result.
type Engine struct {
	server string

	once  sync.Once
	done  chan struct{}
	mu    sync.Mutex
	addrs []Address
	err   error
}

func NewEngine(server string) *Engine {
	return &Engine{server: server, done: make(chan struct{})}
}

// newGatheredEngine returns an engine that already knows addrs.
func newGatheredEngine(server string, addrs []Address) *Engine {
	e := NewEngine(server)
	e.addrs = addrs
	e.once.Do(func() { close(e.done) })
	return e
}

func (e *Engine) Server() string {
	return e.server
}

// Gather starts gathering if needed and waits for it or for ctx.
func (e *Engine) Gather(ctx context.Context) error {
	e.once.Do(func() {
		go func() {
			defer close(e.done)
			addrs, err := e.gather()
			e.mu.Lock()
			e.addrs, e.err = addrs, err
			e.mu.Unlock()
		}()
	})

	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) gather() ([]Address, error) {
	url, err := ice.ParseURL("stun:" + e.server)
	if err != nil {
		return nil, err
	}
	agent, err := ice.NewAgent(&ice.AgentConfig{
		Urls:           []*ice.URL{url},
		NetworkTypes:   []ice.NetworkType{ice.NetworkTypeUDP4},
		CandidateTypes: []ice.CandidateType{ice.CandidateTypeHost, ice.CandidateTypeServerReflexive},
		LoggerFactory:  log.NewLoggerFactory(),
	})
	if err != nil {
		return nil, err
	}
	defer agent.Close()

	var (
		mu    sync.Mutex
		addrs []Address
	)
	finished := make(chan struct{})
	if err = agent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			close(finished)
			return
		}
		a := toAddress(c)
		log.Debugf("engine %s gathered %s %s:%d", e.server, a.Type, a.IP, a.Port)
		mu.Lock()
		addrs = append(addrs, a)
		mu.Unlock()
	}); err != nil {
		return nil, err
	}
	if err = agent.GatherCandidates(); err != nil {
		return nil, err
	}

	select {
	case <-finished:
	case <-time.After(gatherTimeout):
		log.Warnf("engine %s: gathering timed out", e.server)
	}
	mu.Lock()
	defer mu.Unlock()
	return append([]Address(nil), addrs...), nil
}

func toAddress(c ice.Candidate) Address {
	a := Address{
		IP:       c.Address(),
		Port:     c.Port(),
		Base:     c.Address(),
		Priority: c.Priority(),
	}
	switch c.Type() {
	case ice.CandidateTypeServerReflexive:
		a.Type = candidate.TypeServerReflexive
	case ice.CandidateTypePeerReflexive:
		a.Type = candidate.TypePeerReflexive
	case ice.CandidateTypeRelay:
		a.Type = candidate.TypeRelay
	default:
		a.Type = candidate.TypeHost
	}
	if rel := c.RelatedAddress(); rel != nil && rel.Address != "" {
		a.Base = rel.Address
	}
	a.Network = interfaceIndex(a.Base)
	return a
}

func interfaceIndex(ip string) int {
	addrs, err := util.InterfaceAddrs()
	if err != nil {
		return 0
	}
	parsed := net.ParseIP(ip)
	for _, a := range addrs {
		if a.IP.Equal(parsed) {
			return a.Index
		}
	}
	return 0
}

// Addresses returns what the last gathering found.
func (e *Engine) Addresses() []Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Address(nil), e.addrs...)
}

// HasPublic reports whether a server reflexive address was found.
func (e *Engine) HasPublic() bool {
	for _, a := range e.Addresses() {
		if a.Type == candidate.TypeServerReflexive {
			return true
		}
	}
	return false
}

// EngineCache keeps one Engine per STUN server.
type EngineCache struct {
	mu      sync.Mutex
	engines map[string]*Engine
}

func NewEngineCache() *EngineCache {
	return &EngineCache{engines: make(map[string]*Engine)}
}

// serverKey is the host:port identity of a STUN server.
func serverKey(server string) string {
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		return strings.ToLower(server)
	}
	if p, err := strconv.Atoi(port); err == nil {
		port = strconv.Itoa(p)
	}
	return net.JoinHostPort(strings.ToLower(host), port)
}

// Engine returns the cached engine of server, creating it when needed.
func (c *EngineCache) Engine(server string) *Engine {
	key := serverKey(server)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.engines[key]
	if !ok {
		e = NewEngine(server)
		c.engines[key] = e
	}
	return e
}

// Put replaces the engine cached for its server.
func (c *EngineCache) Put(e *Engine) {
	c.mu.Lock()
	c.engines[serverKey(e.server)] = e
	c.mu.Unlock()
}

func (c *EngineCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.engines)
}
