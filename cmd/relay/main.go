package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/ion-jingle/pkg/bridge"
	"github.com/pion/ion-jingle/pkg/conf"
	"github.com/pion/ion-jingle/pkg/db"
	"github.com/pion/ion-jingle/pkg/discovery"
	"github.com/pion/ion-jingle/pkg/log"
	"github.com/pion/ion-jingle/pkg/proto"
)

var file string

func showHelp() {
	fmt.Printf("Usage:%s {params}\n", os.Args[0])
	fmt.Println("      -c {config file}")
	fmt.Println("      -h (show help info)")
}

func sessionStore(cfg *conf.Config) (bridge.SessionStore, func()) {
	if cfg.Bridge.Store != "redis" {
		return bridge.NewMemoryStore(), func() {}
	}
	r := db.NewRedis(db.Config{
		Addrs: cfg.Redis.Addrs,
		Pwd:   cfg.Redis.Pwd,
		DB:    cfg.Redis.DB,
	})
	if r == nil {
		log.Warnf("redis unavailable, keeping relay sessions in memory")
		return bridge.NewMemoryStore(), func() {}
	}
	return db.NewRelayStore(r, cfg.Redis.TTL), r.Close
}

func main() {
	flag.StringVar(&file, "c", "conf/relay.toml", "config file")
	help := flag.Bool("h", false, "help info")
	flag.Parse()
	if *help {
		showHelp()
		return
	}

	cfg, err := conf.Load(file)
	if err != nil {
		fmt.Println(err)
		showHelp()
		os.Exit(-1)
	}

	log.Init(cfg.Log.Level)
	log.Infof("--- Starting Relay Node ---")

	store, closeStore := sessionStore(cfg)
	defer closeStore()

	scfg := bridge.ServerConfig{
		IP:          cfg.Bridge.IP,
		IdleTimeout: cfg.Bridge.IdleTimeout,
		STUNPort:    cfg.Bridge.STUNPort,
	}
	if len(cfg.Bridge.PortRange) == 2 {
		scfg.PortMin, scfg.PortMax = cfg.Bridge.PortRange[0], cfg.Bridge.PortRange[1]
	}
	srv, err := bridge.NewServer(scfg, store)
	if err != nil {
		log.Errorf("new relay: %v", err)
		os.Exit(-1)
	}
	defer srv.Close()

	rpc, err := proto.NewNatsRPC(cfg.Relay.NatsURL)
	if err != nil {
		log.Errorf("nats connect %s: %v", cfg.Relay.NatsURL, err)
		os.Exit(-1)
	}
	defer rpc.Close()

	if err = srv.Serve(rpc, cfg.Relay.Domain); err != nil {
		log.Errorf("relay serve: %v", err)
		os.Exit(-1)
	}

	svc, err := discovery.NewService(discovery.Identity{
		Domain:   cfg.Relay.Domain,
		Category: "relay",
		Type:     "udp",
		Name:     bridge.Name,
		IP:       srv.IP(),
	}, cfg.Etcd.Addrs)
	if err != nil {
		log.Errorf("etcd %v: %v", cfg.Etcd.Addrs, err)
		os.Exit(-1)
	}
	svc.SetTTL(cfg.Etcd.TTL)
	svc.KeepAlive()
	defer svc.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infof("--- Relay Node stopping on %v ---", sig)
}
