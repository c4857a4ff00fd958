package resolver

import (
	"context"

	"github.com/pion/ion-jingle/pkg/bridge"
	"github.com/pion/ion-jingle/pkg/candidate"
	"github.com/pion/ion-jingle/pkg/log"
)

// Bridged offers the local leg of a relay session. The remote leg is kept
// as its symmetric partner.
type Bridged struct {
	*Store
	client *bridge.Client
	table  *candidate.SymmetricTable
}

// NewBridged links relay legs in table, a fresh one when nil.
func NewBridged(client *bridge.Client, table *candidate.SymmetricTable) *Bridged {
	if table == nil {
		table = candidate.NewSymmetricTable()
	}
	return &Bridged{Store: newStore(), client: client, table: table}
}

func (b *Bridged) Type() Type { return TypeBridged }

func (b *Bridged) Initialize() error {
	b.setInitialized()
	return nil
}

// Symmetric holds the legs of every relay session this resolver opened.
func (b *Bridged) Symmetric() *candidate.SymmetricTable {
	return b.table
}

func (b *Bridged) Resolve(ctx context.Context, session candidate.SessionInfo) error {
	ctx, ok := b.beginResolve(ctx)
	if !ok {
		return nil
	}
	defer b.endResolve(ctx)

	local := relayLegs(ctx, b.client, b.table, session.SID(), nil)
	if local == nil {
		log.Infof("bridged resolver: no relay for %s", session.SID())
		return nil
	}
	b.add(ctx, local)
	if ctx.Err() != nil {
		b.table.Unlink(local.SessionID)
	}
	return nil
}

func (b *Bridged) Clear() error {
	for _, c := range b.Candidates() {
		b.table.Unlink(c.SessionID)
	}
	return b.Store.Clear()
}

// relayLegs opens a relay session and links its two legs. attrs turns the
// legs into ICE candidates when set. It returns the local leg.
func relayLegs(ctx context.Context, client *bridge.Client, table *candidate.SymmetricTable, sid string, attrs *candidate.ICEAttributes) *candidate.Candidate {
	if client == nil {
		return nil
	}
	sess := client.RequestSession(ctx, sid)
	if sess == nil {
		return nil
	}

	leg := func(port int) *candidate.Candidate {
		var c *candidate.Candidate
		if attrs != nil {
			c = candidate.NewICE(sess.IP, port, *attrs)
		} else {
			c = candidate.New(sess.IP, port)
		}
		c.Password = sess.Pass
		c.SessionID = sess.SID
		return c
	}
	local, remote := leg(sess.PortA), leg(sess.PortB)
	table.Link(local, remote)
	return local
}
