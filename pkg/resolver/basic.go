package resolver

import (
	"context"

	"github.com/pion/ion-jingle/pkg/candidate"
	"github.com/pion/ion-jingle/pkg/log"
	"github.com/pion/ion-jingle/pkg/util"
)

// Basic offers one candidate on the best local interface address.
type Basic struct {
	*Store
	opts options
}

func NewBasic(opts ...Option) *Basic {
	return &Basic{Store: newStore(), opts: newOptions(opts)}
}

func (b *Basic) Type() Type { return TypeBasic }

func (b *Basic) Initialize() error {
	b.setInitialized()
	return nil
}

// Resolve picks the first public address, else the first usable one, else
// the default host address, and puts a candidate on a free port there.
func (b *Basic) Resolve(ctx context.Context, session candidate.SessionInfo) error {
	ctx, ok := b.beginResolve(ctx)
	if !ok {
		return nil
	}
	defer b.endResolve(ctx)

	ip := util.PickHostAddress(util.LocalIPs())
	if ip == nil {
		ip = util.DefaultHostAddress()
	}
	c := candidate.New(ip.String(), util.FreePort())
	if b.opts.echo {
		if err := attachEcho(c, session, b.opts.echoCfg); err != nil {
			log.Warnf("basic resolver: %v", err)
		}
	}
	b.add(ctx, c)
	return nil
}
