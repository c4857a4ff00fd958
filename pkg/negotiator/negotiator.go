package negotiator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chuckpreslar/emission"
	"github.com/pion/ion-jingle/pkg/bridge"
	"github.com/pion/ion-jingle/pkg/candidate"
	"github.com/pion/ion-jingle/pkg/jingle"
	"github.com/pion/ion-jingle/pkg/log"
	"github.com/pion/ion-jingle/pkg/mq"
	"github.com/pion/ion-jingle/pkg/resolver"
	"github.com/pion/ion-jingle/pkg/util"
)

// TerminateReason is sent when no candidate pair could be agreed on.
const TerminateReason = "Unable to negotiate session. This may be caused by firewall configuration problems."

// Events emitted by a Negotiator.
const (
	// EventTransportEstablished carries the local and remote candidate.
	EventTransportEstablished = "transport-established"
	// EventTransportClosed carries the accepted local candidate, nil if none.
	EventTransportClosed = "transport-closed"
)

// ErrRemote wraps the error a peer reported.
var ErrRemote = errors.New("remote error")

type State int

const (
	StateCreated State = iota
	StatePending
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "created"
}

// Config holds the decision timings.
type Config struct {
	// AcceptPeriod plus CheckTimeout is how long validated candidates are
	// waited for, polling every PollInterval.
	AcceptPeriod time.Duration
	CheckTimeout time.Duration
	PollInterval time.Duration
	// FallbackRounds polls every FallbackInterval follow the fallback
	// acceptance.
	FallbackRounds   int
	FallbackInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		AcceptPeriod:     4 * time.Second,
		CheckTimeout:     3 * time.Second,
		PollInterval:     time.Second,
		FallbackRounds:   6,
		FallbackInterval: 500 * time.Millisecond,
	}
}

func (c Config) decisionRounds() int {
	if c.PollInterval <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(c.AcceptPeriod+c.CheckTimeout)/float64(c.PollInterval))) - 1
	if n < 1 {
		n = 1
	}
	return n
}

// Reporter receives the outcome of each negotiation.
type Reporter interface {
	Report(r mq.Report) error
}

type Option func(*Negotiator)

func WithConfig(cfg Config) Option {
	return func(n *Negotiator) {
		n.cfg = cfg
	}
}

func WithReporter(r Reporter) Option {
	return func(n *Negotiator) {
		n.reporter = r
	}
}

// WithRelay tells relay the final pair when a relay leg is accepted
// locally.
func WithRelay(relay *bridge.Client) Option {
	return func(n *Negotiator) {
		n.relay = relay
	}
}

// variant is what differs between the raw-UDP and the ICE negotiator.
type variant struct {
	kind      candidate.Kind
	namespace string
	best      func(valid []*candidate.Candidate) *candidate.Candidate
}

// Negotiator agrees with the peer on the transport of one content.
type Negotiator struct {
	emission.Emitter

	content  string
	session  jingle.Session
	resolver resolver.Resolver
	variant  variant
	cfg      Config
	reporter Reporter
	relay    *bridge.Client

	offeredMu sync.Mutex
	offered   []*candidate.Candidate
	remoteMu  sync.Mutex
	remote    []*candidate.Candidate
	validMu   sync.Mutex
	valid     []*candidate.Candidate
	acceptMu  sync.Mutex
	accepted  []*candidate.Candidate
	localMu   sync.Mutex
	local     *candidate.Candidate

	stateMu    sync.Mutex
	state      State
	expectMu   sync.Mutex
	expected   map[string]struct{}
	unmatched  int32
	startOnce  sync.Once
	decideOnce sync.Once
	started    time.Time
	unlisten   func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newNegotiator(session jingle.Session, content string, r resolver.Resolver, v variant, opts []Option) *Negotiator {
	n := &Negotiator{
		Emitter:  *emission.NewEmitter(),
		content:  content,
		session:  session,
		resolver: r,
		variant:  v,
		cfg:      DefaultConfig(),
		expected: make(map[string]struct{}),
		started:  time.Now(),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Negotiator) Content() string {
	return n.content
}

func (n *Negotiator) Namespace() string {
	return n.variant.namespace
}

func (n *Negotiator) State() State {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state
}

func (n *Negotiator) setPending() {
	n.stateMu.Lock()
	if n.state == StateCreated {
		n.state = StatePending
	}
	n.stateMu.Unlock()
}

// finish moves a running negotiation to s. It reports false when the
// negotiation has already ended.
func (n *Negotiator) finish(s State) bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if n.state == StateSucceeded || n.state == StateFailed {
		return false
	}
	n.state = s
	return true
}

// Start offers the resolver candidates, keeps offering the ones found later
// and starts resolving when nobody has.
func (n *Negotiator) Start() {
	n.startOnce.Do(func() {
		n.unlisten = n.resolver.AddListener(resolver.Listener{
			CandidateAdded: n.offer,
		})
		if !n.resolver.IsResolving() && !n.resolver.IsResolved() {
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				defer util.Recover("negotiator.Resolve")
				if err := n.resolver.Resolve(n.ctx, n.session); err != nil {
					log.Warnf("%s: resolve failed: %v", n, err)
				}
			}()
		}
	})
	n.offerAll()
	n.setPending()
}

// Close stops the decision task and waits for it. Event listeners may
// call it.
func (n *Negotiator) Close() {
	n.cancel()
	n.wg.Wait()
	if n.unlisten != nil {
		n.unlisten()
	}
}

func (n *Negotiator) String() string {
	return fmt.Sprintf("%s negotiator %s/%s", n.variant.kind, n.session.SID(), n.content)
}

func (n *Negotiator) creator() string {
	if n.session.IsInitiator() {
		return "initiator"
	}
	return "responder"
}

func (n *Negotiator) send(action jingle.Action, id string, cands ...*candidate.Candidate) {
	msg := &jingle.Message{
		ID:     id,
		Action: action,
	}
	if len(cands) > 0 {
		msg.Contents = []jingle.Content{{
			Name:      n.content,
			Creator:   n.creator(),
			Transport: jingle.NewTransport(n.variant.namespace, cands...),
		}}
	}
	if err := n.session.Send(msg); err != nil {
		log.Warnf("%s: send %s failed: %v", n, action, err)
	}
}

func (n *Negotiator) offerAll() {
	for _, c := range n.resolver.Candidates() {
		n.offer(c)
	}
}

// offer sends c once, in its own transport-info.
func (n *Negotiator) offer(c *candidate.Candidate) {
	if c.IsNull() || c.Kind() != n.variant.kind {
		return
	}
	n.offeredMu.Lock()
	for _, o := range n.offered {
		if o.Equal(c) {
			n.offeredMu.Unlock()
			return
		}
	}
	n.offered = append(n.offered, c)
	n.offeredMu.Unlock()

	id := jingle.NewID()
	n.expectMu.Lock()
	n.expected[id] = struct{}{}
	n.expectMu.Unlock()

	log.Debugf("%s: offering %s", n, c)
	n.send(jingle.ActionTransportInfo, id, c)
}

// unexpect forgets id and reports whether it was waited for.
func (n *Negotiator) unexpect(id string) bool {
	n.expectMu.Lock()
	defer n.expectMu.Unlock()
	if _, ok := n.expected[id]; !ok {
		return false
	}
	delete(n.expected, id)
	return true
}

// Dispatch handles a message of the session. Only a remote error is
// returned.
func (n *Negotiator) Dispatch(msg *jingle.Message) error {
	switch msg.Action {
	case jingle.ActionError:
		n.finish(StateFailed)
		n.Emit(EventTransportClosed, n.AcceptedLocal())
		return fmt.Errorf("%w: %s", ErrRemote, msg.Error)
	case jingle.ActionResult, jingle.ActionAck:
		if n.unexpect(msg.ID) {
			n.offerAll()
			n.setPending()
		}
	case jingle.ActionSessionInitiate:
		n.Start()
		n.admit(msg)
		n.startDecision()
	case jingle.ActionTransportInfo:
		n.admit(msg)
		n.startDecision()
		n.send(jingle.ActionAck, msg.ID)
	case jingle.ActionContentAccept:
		if ct := msg.Content(n.content); ct != nil {
			for _, c := range ct.Transport.Decode() {
				n.acceptLocal(c)
			}
		}
	case jingle.ActionSessionAccept:
		log.Infof("%s: session accepted by %s", n, msg.From)
	default:
		log.Debugf("%s: ignoring %s", n, msg.Action)
	}
	return nil
}

// admit adds the remote candidates of the message that pass the type
// filter and checks them.
func (n *Negotiator) admit(msg *jingle.Message) {
	ct := msg.Content(n.content)
	if ct == nil {
		return
	}
	for _, c := range ct.Transport.Decode() {
		if c.IsNull() || c.Kind() != n.variant.kind {
			log.Debugf("%s: dropping remote %s", n, c)
			continue
		}
		if !n.addRemote(c) {
			continue
		}
		log.Debugf("%s: checking remote %s", n, c)
		c.AddCheckListener(n.checked)
		c.Check(n.Offered())
	}
}

func (n *Negotiator) addRemote(c *candidate.Candidate) bool {
	n.remoteMu.Lock()
	defer n.remoteMu.Unlock()
	for _, r := range n.remote {
		if r.Equal(c) {
			return false
		}
	}
	n.remote = append(n.remote, c)
	return true
}

func (n *Negotiator) checked(c *candidate.Candidate, ok bool) {
	log.Debugf("%s: remote %s usable=%v", n, c.Addr(), ok)
	if ok {
		n.addValid(c)
	}
}

func (n *Negotiator) addValid(c *candidate.Candidate) {
	n.validMu.Lock()
	defer n.validMu.Unlock()
	for _, v := range n.valid {
		if v.Equal(c) {
			return
		}
	}
	n.valid = append(n.valid, c)
}

// acceptLocal records the candidate the peer accepted. Values that were
// never offered are kept and counted.
func (n *Negotiator) acceptLocal(c *candidate.Candidate) {
	if c.IsNull() || c.Kind() != n.variant.kind {
		log.Debugf("%s: ignoring accept of %s", n, c)
		return
	}
	var match *candidate.Candidate
	for _, l := range n.Offered() {
		if l.IP == c.IP && l.Port == c.Port {
			match = l
			break
		}
	}
	if match == nil {
		atomic.AddInt32(&n.unmatched, 1)
		log.Warnf("%s: peer accepted %s which was never offered", n, c.Addr())
		match = c
	}

	n.localMu.Lock()
	n.local = match
	n.localMu.Unlock()
	log.Debugf("%s: local %s accepted", n, match.Addr())
}

func (n *Negotiator) startDecision() {
	n.remoteMu.Lock()
	empty := len(n.remote) == 0
	n.remoteMu.Unlock()
	if empty {
		return
	}
	n.decideOnce.Do(func() {
		n.wg.Add(1)
		go n.decide()
	})
}

func (n *Negotiator) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-n.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// decide runs the decision task. The outcome event is emitted after the
// task has left the wait group so listeners may Close the negotiator.
func (n *Negotiator) decide() {
	var emit func()
	defer func() {
		n.wg.Done()
		if emit != nil {
			emit()
		}
	}()
	defer util.Recover("negotiator.decide")
	emit = n.decision()
}

func (n *Negotiator) decision() func() {
	for i := 0; i < n.cfg.decisionRounds(); i++ {
		if !n.sleep(n.cfg.PollInterval) || n.State() != StatePending {
			return nil
		}
		if ok, emit := n.establish(); ok {
			return emit
		}
	}

	n.fallback()
	for i := 0; i < n.cfg.FallbackRounds; i++ {
		if !n.sleep(n.cfg.FallbackInterval) || n.State() != StatePending {
			return nil
		}
		if ok, emit := n.establish(); ok {
			return emit
		}
	}
	return n.fail()
}

// establish accepts the best remote candidate and succeeds when the peer
// has accepted a local one too. It returns the event to emit.
func (n *Negotiator) establish() (bool, func()) {
	best := n.BestRemote()
	if best == nil {
		return false, nil
	}
	n.accept(best)

	local := n.AcceptedLocal()
	if local == nil {
		return false, nil
	}
	if !n.finish(StateSucceeded) {
		return true, nil
	}
	log.Infof("%s: established %s <-> %s", n, local.Addr(), best.Addr())
	n.report(StateSucceeded, local, best, "")
	n.relaySession(local, best)
	return true, func() {
		n.Emit(EventTransportEstablished, local, best)
	}
}

// accept sends a content-accept for c unless one was sent already.
func (n *Negotiator) accept(c *candidate.Candidate) {
	n.acceptMu.Lock()
	for _, a := range n.accepted {
		if a.Equal(c) {
			n.acceptMu.Unlock()
			return
		}
	}
	n.accepted = append(n.accepted, c)
	n.acceptMu.Unlock()

	n.send(jingle.ActionContentAccept, jingle.NewID(), c)
}

// fallback treats some unvalidated remote candidates as usable: relays
// first, then, when a local relay was offered, public addresses or any
// ICE candidate.
func (n *Negotiator) fallback() {
	if len(n.Valid()) > 0 {
		return
	}
	remote := n.Remote()
	picks := filter(remote, func(c *candidate.Candidate) bool {
		return c.IsType(candidate.TypeRelay)
	})
	if len(picks) == 0 && n.offeredRelay() {
		picks = filter(remote, func(c *candidate.Candidate) bool {
			return c.IsType(candidate.TypeServerReflexive)
		})
		if len(picks) == 0 {
			picks = filter(remote, func(c *candidate.Candidate) bool {
				return c.Kind() == candidate.KindICE
			})
		}
	}
	for _, c := range picks {
		log.Infof("%s: accepting unchecked %s", n, c)
		n.addValid(c)
	}
}

func (n *Negotiator) offeredRelay() bool {
	for _, c := range n.Offered() {
		if c.IsType(candidate.TypeRelay) {
			return true
		}
	}
	return false
}

func filter(cands []*candidate.Candidate, keep func(*candidate.Candidate) bool) []*candidate.Candidate {
	var out []*candidate.Candidate
	for _, c := range cands {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (n *Negotiator) fail() func() {
	if !n.finish(StateFailed) {
		return nil
	}
	log.Warnf("%s: no usable candidate pair", n)
	if err := n.session.Terminate(TerminateReason); err != nil {
		log.Warnf("%s: terminate: %v", n, err)
	}
	local := n.AcceptedLocal()
	n.report(StateFailed, local, n.BestRemote(), TerminateReason)
	return func() {
		n.Emit(EventTransportClosed, local)
	}
}

func (n *Negotiator) report(s State, local, remote *candidate.Candidate, reason string) {
	if n.reporter == nil {
		return
	}
	r := mq.Report{
		SID:       n.session.SID(),
		Initiator: n.session.Initiator(),
		Responder: n.session.Responder(),
		Content:   n.content,
		Kind:      n.variant.kind.String(),
		Outcome:   s.String(),
		Reason:    reason,
		Duration:  time.Since(n.started),
		At:        time.Now(),
	}
	if local != nil {
		r.Local = local.Addr()
	}
	if remote != nil {
		r.Remote = remote.Addr()
	}
	if err := n.reporter.Report(r); err != nil {
		log.Warnf("%s: report: %v", n, err)
	}
}

// relaySession hands the final pair to the relay when the accepted local
// candidate is one of its legs.
func (n *Negotiator) relaySession(local, remote *candidate.Candidate) {
	if n.relay == nil || local.SessionID == "" || local.Password == "" {
		return
	}
	host := local
	for _, c := range n.Offered() {
		if c.SessionID == "" {
			host = c
			break
		}
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if n.relay.RelaySession(n.ctx, local.SessionID, local.Password, remote, host) == nil {
			log.Warnf("%s: relay %s not updated", n, local.SessionID)
		}
	}()
}

// Offered lists the local candidates sent to the peer, in offer order.
func (n *Negotiator) Offered() []*candidate.Candidate {
	n.offeredMu.Lock()
	defer n.offeredMu.Unlock()
	return append([]*candidate.Candidate(nil), n.offered...)
}

func (n *Negotiator) Remote() []*candidate.Candidate {
	n.remoteMu.Lock()
	defer n.remoteMu.Unlock()
	return append([]*candidate.Candidate(nil), n.remote...)
}

// Valid lists the remote candidates known to be usable, in validation
// order.
func (n *Negotiator) Valid() []*candidate.Candidate {
	n.validMu.Lock()
	defer n.validMu.Unlock()
	return append([]*candidate.Candidate(nil), n.valid...)
}

// Accepted lists the remote candidates a content-accept was sent for.
func (n *Negotiator) Accepted() []*candidate.Candidate {
	n.acceptMu.Lock()
	defer n.acceptMu.Unlock()
	return append([]*candidate.Candidate(nil), n.accepted...)
}

// AcceptedLocal is the local candidate the peer accepted, nil until then.
func (n *Negotiator) AcceptedLocal() *candidate.Candidate {
	n.localMu.Lock()
	defer n.localMu.Unlock()
	return n.local
}

func (n *Negotiator) BestRemote() *candidate.Candidate {
	return n.variant.best(n.Valid())
}

// Established reports whether both ends of the pair are known.
func (n *Negotiator) Established() bool {
	return n.AcceptedLocal() != nil && n.BestRemote() != nil
}

// FullyEstablished additionally requires the negotiation to have ended.
func (n *Negotiator) FullyEstablished() bool {
	s := n.State()
	return n.Established() && (s == StateSucceeded || s == StateFailed)
}

// UnmatchedAccepts counts peer accepts naming a candidate that was never
// offered.
func (n *Negotiator) UnmatchedAccepts() int {
	return int(atomic.LoadInt32(&n.unmatched))
}
