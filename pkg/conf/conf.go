package conf

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

const (
	portRangeLimit = 100
)

var (
	errPortRange = errors.New("port range must be [min, max]")
	errNoDomain  = errors.New("relay domain is empty")
)

// DefaultSTUNServers is used when the config names no STUN server.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.ekiga.net:3478",
	"stun.ideasip.com:3478",
	"stun.schlund.de:3478",
	"stun.voiparound.com:3478",
	"stun.voipbuster.com:3478",
	"stun.xten.com:3478",
}

type Log struct {
	Level string `mapstructure:"level"`
}

type STUN struct {
	Servers []string `mapstructure:"servers"`
	// DefaultPort is given to the resolved candidate; 0 picks a free port.
	DefaultPort int `mapstructure:"defaultport"`
}

type Relay struct {
	Domain       string        `mapstructure:"domain"`
	NatsURL      string        `mapstructure:"nats"`
	ReplyTimeout time.Duration `mapstructure:"replytimeout"`
}

type Etcd struct {
	Addrs []string `mapstructure:"addrs"`
	TTL   int64    `mapstructure:"ttl"`
}

type Redis struct {
	Addrs []string `mapstructure:"addrs"`
	Pwd   string   `mapstructure:"password"`
	DB    int      `mapstructure:"db"`
	// TTL bounds how long an idle relay session survives in the store.
	TTL time.Duration `mapstructure:"ttl"`
}

type Amqp struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type Negotiation struct {
	Resolver         string        `mapstructure:"resolver"`
	AcceptPeriod     time.Duration `mapstructure:"acceptperiod"`
	CheckTimeout     time.Duration `mapstructure:"checktimeout"`
	PollInterval     time.Duration `mapstructure:"pollinterval"`
	FallbackRounds   int           `mapstructure:"fallbackrounds"`
	FallbackInterval time.Duration `mapstructure:"fallbackinterval"`
}

type Bridge struct {
	IP          string        `mapstructure:"ip"`
	PortRange   []int         `mapstructure:"portrange"`
	STUNPort    int           `mapstructure:"stunport"`
	IdleTimeout time.Duration `mapstructure:"idletimeout"`
	Store       string        `mapstructure:"store"`
}

// Config is the whole configuration of the relay and resolve commands.
type Config struct {
	Log         Log         `mapstructure:"log"`
	STUN        STUN        `mapstructure:"stun"`
	Relay       Relay       `mapstructure:"relay"`
	Etcd        Etcd        `mapstructure:"etcd"`
	Redis       Redis       `mapstructure:"redis"`
	Amqp        Amqp        `mapstructure:"amqp"`
	Negotiation Negotiation `mapstructure:"negotiation"`
	Bridge      Bridge      `mapstructure:"bridge"`
}

// Default returns a config that works without a file.
func Default() *Config {
	return &Config{
		Log: Log{Level: "info"},
		STUN: STUN{
			Servers: append([]string(nil), DefaultSTUNServers...),
		},
		Relay: Relay{
			Domain:       "localhost",
			NatsURL:      "nats://127.0.0.1:4222",
			ReplyTimeout: 5 * time.Second,
		},
		Etcd: Etcd{
			Addrs: []string{"127.0.0.1:2379"},
			TTL:   5,
		},
		Redis: Redis{
			Addrs: []string{"127.0.0.1:6379"},
			TTL:   10 * time.Minute,
		},
		Amqp: Amqp{
			Exchange: "jingle",
		},
		Negotiation: Negotiation{
			Resolver:         "basic",
			AcceptPeriod:     4 * time.Second,
			CheckTimeout:     3 * time.Second,
			PollInterval:     time.Second,
			FallbackRounds:   6,
			FallbackInterval: 500 * time.Millisecond,
		},
		Bridge: Bridge{
			PortRange:   []int{20000, 30000},
			STUNPort:    3478,
			IdleTimeout: time.Minute,
			Store:       "memory",
		},
	}
}

// Load reads a TOML file over the defaults.
func Load(file string) (*Config, error) {
	if _, err := os.Stat(file); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config file %s read failed: %w", file, err)
	}

	// slices decode over existing elements, so they start empty and take
	// their defaults afterwards
	c := Default()
	c.STUN.Servers, c.Etcd.Addrs, c.Redis.Addrs, c.Bridge.PortRange = nil, nil, nil, nil
	if err := v.UnmarshalExact(c); err != nil {
		return nil, fmt.Errorf("config file %s loaded failed: %w", file, err)
	}
	c.defaultSlices(Default())
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", file, err)
	}
	return c, nil
}

func (c *Config) defaultSlices(d *Config) {
	if len(c.STUN.Servers) == 0 {
		c.STUN.Servers = d.STUN.Servers
	}
	if len(c.Etcd.Addrs) == 0 {
		c.Etcd.Addrs = d.Etcd.Addrs
	}
	if len(c.Redis.Addrs) == 0 {
		c.Redis.Addrs = d.Redis.Addrs
	}
	if len(c.Bridge.PortRange) == 0 {
		c.Bridge.PortRange = d.Bridge.PortRange
	}
}

// Validate checks the values the commands cannot run without.
func (c *Config) Validate() error {
	if c.Relay.Domain == "" {
		return errNoDomain
	}
	r := c.Bridge.PortRange
	if len(r) != 0 && (len(r) != 2 || r[1]-r[0] < portRangeLimit) {
		return fmt.Errorf("%w and max - min >= %d", errPortRange, portRangeLimit)
	}
	if len(c.STUN.Servers) == 0 {
		c.STUN.Servers = append([]string(nil), DefaultSTUNServers...)
	}
	return nil
}
