package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/pion/ion-jingle/pkg/candidate"
	"github.com/pion/ion-jingle/pkg/log"
)

// Type names a resolver strategy.
type Type string

const (
	TypeBasic   Type = "basic"
	TypeFixed   Type = "fixed"
	TypeSTUN    Type = "stun"
	TypeBridged Type = "bridged"
	TypeICE     Type = "ice"
)

// Listener receives resolution progress. Nil fields are skipped.
type Listener struct {
	ResolveInit    func()
	CandidateAdded func(c *candidate.Candidate)
	ResolveEnd     func()
}

// Resolver gathers the local candidates of a session.
type Resolver interface {
	Type() Type
	// Initialize prepares the resolver. It may finish in the background;
	// Initialized is closed once it has.
	Initialize() error
	Initialized() <-chan struct{}
	// Resolve gathers candidates for session. It does nothing while a
	// resolution is running; all but ICE also do nothing after one has
	// finished.
	Resolve(ctx context.Context, session candidate.SessionInfo) error
	Cancel() error
	// Clear cancels and forgets every candidate.
	Clear() error

	Candidates() []*candidate.Candidate
	PreferredCandidate() *candidate.Candidate
	AddListener(l Listener) func()

	IsInitialized() bool
	IsResolving() bool
	IsResolved() bool
}

// Store is the candidate list and lifecycle every resolver shares.
type Store struct {
	mu        sync.Mutex
	cands     []*candidate.Candidate
	listeners map[int]Listener
	nextID    int

	initOnce    sync.Once
	initialized chan struct{}

	// active is set while a Resolve call runs, cancelled or not.
	active    bool
	resolving bool
	resolved  bool
	cancel    context.CancelFunc
}

func newStore() *Store {
	return &Store{
		listeners:   make(map[int]Listener),
		initialized: make(chan struct{}),
	}
}

func (s *Store) Initialized() <-chan struct{} {
	return s.initialized
}

func (s *Store) IsInitialized() bool {
	select {
	case <-s.initialized:
		return true
	default:
		return false
	}
}

func (s *Store) setInitialized() {
	s.initOnce.Do(func() { close(s.initialized) })
}

func (s *Store) IsResolving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolving
}

func (s *Store) IsResolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

// AddListener registers l and returns a function removing it.
func (s *Store) AddListener(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) snapshot() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := make([]Listener, 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if l, ok := s.listeners[id]; ok {
			ls = append(ls, l)
		}
	}
	return ls
}

// beginResolve marks the start of a resolution. ok is false when one is
// running or has finished. The returned context ends when the resolution
// is cancelled.
func (s *Store) beginResolve(ctx context.Context) (context.Context, bool) {
	return s.begin(ctx, false)
}

// beginRound is beginResolve for resolvers that resolve again after a
// finished resolution.
func (s *Store) beginRound(ctx context.Context) (context.Context, bool) {
	return s.begin(ctx, true)
}

func (s *Store) begin(ctx context.Context, again bool) (context.Context, bool) {
	s.mu.Lock()
	if s.active || (s.resolved && !again) {
		s.mu.Unlock()
		return ctx, false
	}
	s.active = true
	s.resolving = true
	s.resolved = false
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for _, l := range s.snapshot() {
		if l.ResolveInit != nil {
			l.ResolveInit()
		}
	}
	return ctx, true
}

// endResolve closes the resolution begun with ctx. A cancelled resolution
// does not count as resolved.
func (s *Store) endResolve(ctx context.Context) {
	s.mu.Lock()
	done := ctx.Err() == nil
	s.active = false
	s.resolving = false
	s.resolved = done
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	if !done {
		return
	}

	for _, l := range s.snapshot() {
		if l.ResolveEnd != nil {
			l.ResolveEnd()
		}
	}
}

// add appends c unless an equal candidate is known. Candidates of a
// cancelled resolution are dropped and their probers closed.
func (s *Store) add(ctx context.Context, c *candidate.Candidate) {
	if c.IsNull() {
		return
	}
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		log.Debugf("dropping %s of a cancelled resolution", c)
		c.CloseEcho()
		return
	}
	for _, known := range s.cands {
		if known.Equal(c) {
			s.mu.Unlock()
			return
		}
	}
	s.cands = append(s.cands, c)
	s.mu.Unlock()

	log.Debugf("candidate added: %s", c)
	for _, l := range s.snapshot() {
		if l.CandidateAdded != nil {
			l.CandidateAdded(c)
		}
	}
}

func (s *Store) Candidates() []*candidate.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*candidate.Candidate(nil), s.cands...)
}

// PreferredCandidate is the ICE candidate with the highest preference, nil
// when there is none.
func (s *Store) PreferredCandidate() *candidate.Candidate {
	var ice []*candidate.Candidate
	for _, c := range s.Candidates() {
		if c.Kind() == candidate.KindICE {
			ice = append(ice, c)
		}
	}
	if len(ice) == 0 {
		return nil
	}
	candidate.SortByPreference(ice)
	return ice[len(ice)-1]
}

// Cancel stops the running resolution. Its candidates found from now on
// are dropped.
func (s *Store) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.resolving = false
	return nil
}

func (s *Store) Clear() error {
	s.Cancel()
	s.reset()
	return nil
}

// reset closes the probers of every candidate and empties the list.
func (s *Store) reset() {
	s.mu.Lock()
	cands := s.cands
	s.cands = nil
	s.resolved = false
	s.mu.Unlock()

	for _, c := range cands {
		c.CloseEcho()
	}
}

// InitializeAndWait initializes r and blocks until it reports initialized
// or ctx ends, logging every interval.
func InitializeAndWait(ctx context.Context, r Resolver, interval time.Duration) error {
	if err := r.Initialize(); err != nil {
		return err
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-r.Initialized():
			log.Debugf("%s resolver initialized in %v", r.Type(), time.Since(start))
			return nil
		case <-ticker.C:
			log.Infof("waiting for %s resolver to initialize (%v)", r.Type(), time.Since(start).Round(time.Millisecond))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Option configures the resolvers that can attach probers to their
// candidates.
type Option func(*options)

type options struct {
	echo    bool
	echoCfg candidate.EchoConfig
}

func newOptions(opts []Option) options {
	o := options{echoCfg: candidate.DefaultEchoConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithEcho attaches a started prober with cfg to every candidate.
func WithEcho(cfg candidate.EchoConfig) Option {
	return func(o *options) {
		o.echo = true
		o.echoCfg = cfg
	}
}

// attachEcho starts a prober for c. When the port is taken a free one is
// used instead.
func attachEcho(c *candidate.Candidate, session candidate.SessionInfo, cfg candidate.EchoConfig) error {
	_, err := c.AddEcho(session, cfg)
	if err == nil {
		return nil
	}
	log.Debugf("echo on %s:%d: %v, retrying on a free port", c.BindIP(), c.Port, err)
	c.Port = 0
	_, err = c.AddEcho(session, cfg)
	return err
}
