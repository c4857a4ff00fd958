package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pion/ion-jingle/pkg/bridge"
	"github.com/pion/ion-jingle/pkg/candidate"
	"github.com/pion/ion-jingle/pkg/conf"
	"github.com/pion/ion-jingle/pkg/discovery"
	"github.com/pion/ion-jingle/pkg/jingle"
	"github.com/pion/ion-jingle/pkg/log"
	"github.com/pion/ion-jingle/pkg/mq"
	"github.com/pion/ion-jingle/pkg/negotiator"
	"github.com/pion/ion-jingle/pkg/proto"
	"github.com/pion/ion-jingle/pkg/resolver"
)

const (
	initTimeout  = 15 * time.Second
	initInterval = 500 * time.Millisecond
	contentName  = "audio"
)

var (
	file      string
	negotiate bool
)

func showHelp() {
	fmt.Printf("Usage:%s {params}\n", os.Args[0])
	fmt.Println("      -c {config file}")
	fmt.Println("      -negotiate (run a loopback negotiation with the resolver)")
	fmt.Println("      -h (show help info)")
}

func parse() bool {
	flag.StringVar(&file, "c", "conf/resolve.toml", "config file")
	flag.BoolVar(&negotiate, "negotiate", false, "run a loopback negotiation")
	help := flag.Bool("h", false, "help info")
	flag.Parse()
	if *help {
		showHelp()
		return false
	}
	return true
}

// env holds what the resolvers built from one config share.
type env struct {
	cfg    *conf.Config
	rpc    *proto.NatsRPC
	disco  *discovery.Service
	relay  *bridge.Client
	engine *resolver.EngineCache
}

func (e *env) close() {
	if e.disco != nil {
		e.disco.Close()
	}
	if e.rpc != nil {
		e.rpc.Close()
	}
}

// bridgeClient connects to the relay domain on first use.
func (e *env) bridgeClient() (*bridge.Client, error) {
	if e.relay != nil {
		return e.relay, nil
	}
	rpc, err := proto.NewNatsRPC(e.cfg.Relay.NatsURL)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", e.cfg.Relay.NatsURL, err)
	}
	disco, err := discovery.NewService(discovery.Identity{
		Domain:   e.cfg.Relay.Domain,
		Category: "resolver",
		Name:     "resolve",
	}, e.cfg.Etcd.Addrs)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("etcd %v: %w", e.cfg.Etcd.Addrs, err)
	}
	e.rpc, e.disco = rpc, disco
	e.relay = bridge.NewClient(rpc, disco, e.cfg.Relay.Domain, e.cfg.Relay.ReplyTimeout)
	return e.relay, nil
}

func (e *env) newResolver() (resolver.Resolver, error) {
	echo := resolver.WithEcho(candidate.DefaultEchoConfig())
	switch resolver.Type(e.cfg.Negotiation.Resolver) {
	case resolver.TypeBasic:
		return resolver.NewBasic(echo), nil
	case resolver.TypeSTUN:
		return resolver.NewSTUN(e.cfg.STUN.Servers, e.cfg.STUN.DefaultPort, echo), nil
	case resolver.TypeBridged:
		client, err := e.bridgeClient()
		if err != nil {
			return nil, err
		}
		return resolver.NewBridged(client, candidate.NewSymmetricTable()), nil
	case resolver.TypeICE:
		client, err := e.bridgeClient()
		if err != nil {
			log.Warnf("ice resolver runs without relay: %v", err)
		}
		if e.engine == nil {
			e.engine = resolver.NewEngineCache()
		}
		return resolver.NewICE(e.engine, e.cfg.STUN.Servers[0], client, echo), nil
	}
	return nil, fmt.Errorf("unknown resolver %q", e.cfg.Negotiation.Resolver)
}

func (e *env) negotiatorConfig() negotiator.Config {
	n := e.cfg.Negotiation
	return negotiator.Config{
		AcceptPeriod:     n.AcceptPeriod,
		CheckTimeout:     n.CheckTimeout,
		PollInterval:     n.PollInterval,
		FallbackRounds:   n.FallbackRounds,
		FallbackInterval: n.FallbackInterval,
	}
}

func resolve(ctx context.Context, r resolver.Resolver, session candidate.SessionInfo) error {
	ictx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	if err := resolver.InitializeAndWait(ictx, r, initInterval); err != nil {
		return fmt.Errorf("initialize %s resolver: %w", r.Type(), err)
	}
	if err := r.Resolve(ctx, session); err != nil {
		return fmt.Errorf("%s resolve: %w", r.Type(), err)
	}
	return nil
}

func printCandidates(who string, r resolver.Resolver) {
	for _, c := range r.Candidates() {
		fmt.Printf("%s %s candidate %s\n", who, r.Type(), c)
	}
	if p := r.PreferredCandidate(); p != nil {
		fmt.Printf("%s preferred %s\n", who, p)
	}
}

func resolveOnly(ctx context.Context, e *env) error {
	r, err := e.newResolver()
	if err != nil {
		return err
	}
	a, b := jingle.NewLocalPair(jingle.NewID(), "initiator", "responder")
	defer a.Close()
	defer b.Close()
	if err := resolve(ctx, r, a); err != nil {
		return err
	}
	defer r.Clear()
	printCandidates("local", r)
	return nil
}

func loopback(ctx context.Context, e *env) error {
	ra, err := e.newResolver()
	if err != nil {
		return err
	}
	rb, err := e.newResolver()
	if err != nil {
		return err
	}

	a, b := jingle.NewLocalPair(jingle.NewID(), "initiator", "responder")
	defer a.Close()
	defer b.Close()
	for _, p := range []struct {
		who string
		r   resolver.Resolver
		s   *jingle.LocalSession
	}{{"initiator", ra, a}, {"responder", rb, b}} {
		if err := resolve(ctx, p.r, p.s); err != nil {
			return err
		}
		defer p.r.Clear()
		printCandidates(p.who, p.r)
	}

	opts := []negotiator.Option{negotiator.WithConfig(e.negotiatorConfig())}
	if e.cfg.Amqp.URL != "" {
		reporter, err := mq.New(e.cfg.Amqp.URL, e.cfg.Amqp.Exchange)
		if err != nil {
			log.Warnf("outcome reports disabled: %v", err)
		} else {
			defer reporter.Close()
			opts = append(opts, negotiator.WithReporter(reporter))
		}
	}
	if e.relay != nil {
		opts = append(opts, negotiator.WithRelay(e.relay))
	}

	build := negotiator.NewRawUDP
	if k := ra.Type(); k == resolver.TypeICE || k == resolver.TypeBridged {
		build = negotiator.NewICE
	}
	na := build(a, contentName, ra, opts...)
	nb := build(b, contentName, rb, opts...)
	defer na.Close()
	defer nb.Close()

	type outcome struct {
		who           string
		local, remote *candidate.Candidate
		ok            bool
	}
	done := make(chan outcome, 4)
	notify := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}
	watch := func(who string, n *negotiator.Negotiator) {
		n.On(negotiator.EventTransportEstablished, func(local, remote *candidate.Candidate) {
			notify(outcome{who: who, local: local, remote: remote, ok: true})
		})
		n.On(negotiator.EventTransportClosed, func(local *candidate.Candidate) {
			notify(outcome{who: who, local: local})
		})
	}
	watch("initiator", na)
	watch("responder", nb)

	a.OnMessage(func(msg *jingle.Message) {
		if err := na.Dispatch(msg); err != nil {
			log.Warnf("initiator: %v", err)
		}
	})
	b.OnMessage(func(msg *jingle.Message) {
		if err := nb.Dispatch(msg); err != nil {
			log.Warnf("responder: %v", err)
		}
	})

	na.Start()
	nb.Start()

	var failed bool
	for i := 0; i < 2; i++ {
		select {
		case o := <-done:
			if o.ok {
				fmt.Printf("%s established %s -> %s\n", o.who, o.local, o.remote)
			} else {
				fmt.Printf("%s closed: %s\n", o.who, a.Terminated())
				failed = true
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failed {
		return fmt.Errorf("negotiation failed: %s", a.Terminated())
	}
	return nil
}

func main() {
	if !parse() {
		return
	}

	cfg, err := conf.Load(file)
	if err != nil {
		fmt.Println(err)
		showHelp()
		os.Exit(-1)
	}

	log.Init(cfg.Log.Level)
	log.Infof("--- Starting Resolve ---")

	e := &env{cfg: cfg}
	defer e.close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	run := resolveOnly
	if negotiate {
		run = loopback
	}
	if err := run(ctx, e); err != nil {
		log.Errorf("%v", err)
		e.close()
		os.Exit(-1)
	}
}
