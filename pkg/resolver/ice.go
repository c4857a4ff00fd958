package resolver

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/ion-jingle/pkg/bridge"
	"github.com/pion/ion-jingle/pkg/candidate"
	"github.com/pion/ion-jingle/pkg/log"
	"github.com/pion/ion-jingle/pkg/util"
)

const iceUsername = "1"

// ICE offers every address its engine gathered, plus a relay leg and the
// relay's view of the public address when a relay is available.
type ICE struct {
	*Store
	engine *Engine
	relay  *bridge.Client
	table  *candidate.SymmetricTable
	opts   options
}

// NewICE resolves with the engine cache holds for server. relay may be nil.
func NewICE(cache *EngineCache, server string, relay *bridge.Client, opts ...Option) *ICE {
	return &ICE{
		Store:  newStore(),
		engine: cache.Engine(server),
		relay:  relay,
		table:  candidate.NewSymmetricTable(),
		opts:   newOptions(opts),
	}
}

func (r *ICE) Type() Type { return TypeICE }

func (r *ICE) Symmetric() *candidate.SymmetricTable {
	return r.table
}

// Initialize gathers in the background; the resolver is initialized when
// gathering ends, whatever its outcome.
func (r *ICE) Initialize() error {
	go func() {
		defer util.Recover("ice.Initialize")
		defer r.setInitialized()
		ctx, cancel := context.WithTimeout(context.Background(), 2*gatherTimeout)
		defer cancel()
		if err := r.engine.Gather(ctx); err != nil {
			log.Warnf("ice resolver: gathering with %s: %v", r.engine.Server(), err)
		}
	}()
	return nil
}

// Resolve starts a new round each time it is called outside a running
// one, closing the probers of the previous round.
func (r *ICE) Resolve(ctx context.Context, session candidate.SessionInfo) error {
	ctx, ok := r.beginRound(ctx)
	if !ok {
		return nil
	}
	defer r.endResolve(ctx)
	r.unlink()
	r.reset()

	select {
	case <-r.Initialized():
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, a := range r.engine.Addresses() {
		if ctx.Err() != nil {
			return nil
		}
		c := candidate.NewICE(a.IP, util.FreePort(), candidate.ICEAttributes{
			ID:         uuid.New().String(),
			Username:   iceUsername,
			Preference: int(a.Priority),
			Network:    a.Network,
			Type:       a.Type,
		})
		c.Password = util.RandomPassword()
		c.LocalIP = a.Base
		if err := attachEcho(c, session, r.opts.echoCfg); err != nil {
			log.Warnf("ice resolver: echo for %s: %v", c.Addr(), err)
			continue
		}
		r.add(ctx, c)
	}

	if ctx.Err() != nil || r.relay == nil || !r.relay.ServiceAvailable(ctx) {
		return nil
	}

	local := relayLegs(ctx, r.relay, r.table, session.SID(), &candidate.ICEAttributes{
		ID:       uuid.New().String(),
		Username: iceUsername,
		Type:     candidate.TypeRelay,
	})
	if local != nil {
		r.add(ctx, local)
		if ctx.Err() != nil {
			r.table.Unlink(local.SessionID)
			return nil
		}
	}

	if r.engine.HasPublic() {
		return nil
	}
	ip := r.relay.PublicIP(ctx)
	if ip == "" {
		return nil
	}
	c := candidate.NewICE(ip, util.FreePort(), candidate.ICEAttributes{
		ID:       uuid.New().String(),
		Username: iceUsername,
		Type:     candidate.TypeServerReflexive,
	})
	c.Password = util.RandomPassword()
	if base := r.baseAddress(); base != "" {
		c.LocalIP = base
	}
	if err := attachEcho(c, session, r.opts.echoCfg); err != nil {
		log.Warnf("ice resolver: echo for public %s: %v", c.Addr(), err)
		return nil
	}
	r.add(ctx, c)
	return nil
}

// baseAddress is the local address the public candidate is bound to.
func (r *ICE) baseAddress() string {
	for _, a := range r.engine.Addresses() {
		if a.Type == candidate.TypeHost {
			return a.Base
		}
	}
	if ip := util.PickHostAddress(util.LocalIPs()); ip != nil {
		return ip.String()
	}
	return ""
}

func (r *ICE) unlink() {
	for _, c := range r.Candidates() {
		if c.SessionID != "" {
			r.table.Unlink(c.SessionID)
		}
	}
}

func (r *ICE) Clear() error {
	r.unlink()
	return r.Store.Clear()
}
