package resolver

import (
	"context"

	"github.com/pion/ion-jingle/pkg/candidate"
	"github.com/pion/ion-jingle/pkg/log"
)

// Fixed offers a single caller-supplied address.
type Fixed struct {
	*Store
	ip   string
	port int
	opts options
}

func NewFixed(ip string, port int, opts ...Option) *Fixed {
	return &Fixed{Store: newStore(), ip: ip, port: port, opts: newOptions(opts)}
}

func (f *Fixed) Type() Type { return TypeFixed }

func (f *Fixed) Initialize() error {
	f.setInitialized()
	return nil
}

func (f *Fixed) Resolve(ctx context.Context, session candidate.SessionInfo) error {
	ctx, ok := f.beginResolve(ctx)
	if !ok {
		return nil
	}
	defer f.endResolve(ctx)

	c := candidate.New(f.ip, f.port)
	if f.opts.echo {
		if err := attachEcho(c, session, f.opts.echoCfg); err != nil {
			log.Warnf("fixed resolver: %v", err)
		}
	}
	f.add(ctx, c)
	return nil
}
