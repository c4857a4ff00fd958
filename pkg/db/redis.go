package db

import (
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pion/ion-jingle/pkg/log"
)

var (
	lockExpire     = 3 * time.Second
	lockRetryDelay = 100 * time.Millisecond
)

type Config struct {
	Addrs []string `mapstructure:"addrs"`
	Pwd   string   `mapstructure:"password"`
	DB    int      `mapstructure:"db"`
}

// Redis wraps a single-node or cluster client behind one API.
type Redis struct {
	cmd redis.Cmdable
	cls func() error
}

// NewRedis connects to one address, or to a cluster when several are
// given. It returns nil when nothing is reachable.
func NewRedis(c Config) *Redis {
	if len(c.Addrs) == 0 {
		return nil
	}

	if len(c.Addrs) == 1 {
		single := redis.NewClient(
			&redis.Options{
				Addr:         c.Addrs[0],
				Password:     c.Pwd,
				DB:           c.DB,
				DialTimeout:  3 * time.Second,
				ReadTimeout:  5 * time.Second,
				WriteTimeout: 5 * time.Second,
			})
		if err := single.Ping().Err(); err != nil {
			log.Errorf("redis ping %s: %v", c.Addrs[0], err)
			single.Close()
			return nil
		}
		return &Redis{cmd: single, cls: single.Close}
	}

	cluster := redis.NewClusterClient(
		&redis.ClusterOptions{
			Addrs:        c.Addrs,
			Password:     c.Pwd,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
	if err := cluster.Ping().Err(); err != nil {
		log.Errorf("redis cluster ping %v: %v", c.Addrs, err)
		cluster.Close()
		return nil
	}
	return &Redis{cmd: cluster, cls: cluster.Close}
}

func (r *Redis) Close() {
	if r.cls != nil {
		r.cls()
	}
}

func (r *Redis) HGetAll(key string) (map[string]string, error) {
	r.Acquire(key)
	defer r.Release(key)
	return r.cmd.HGetAll(key).Result()
}

// HMSetTTL sets the fields and refreshes the key ttl.
func (r *Redis) HMSetTTL(t time.Duration, key string, fields map[string]interface{}) error {
	r.Acquire(key)
	defer r.Release(key)
	if err := r.cmd.HMSet(key, fields).Err(); err != nil {
		return err
	}
	return r.cmd.Expire(key, t).Err()
}

func (r *Redis) Keys(pattern string) []string {
	return r.cmd.Keys(pattern).Val()
}

func (r *Redis) Del(key string) error {
	r.Acquire(key)
	defer r.Release(key)
	return r.cmd.Del(key).Err()
}

func (r *Redis) lock(key string) bool {
	// Tips: use ("lock-"+key) as lock key is better than (key+"-lock")
	// this avoid "keys /xxxxx/*" to get this lock
	ok, _ := r.cmd.SetNX("lock-"+key, 1, lockExpire).Result()
	return ok
}

func (r *Redis) unlock(key string) {
	r.cmd.Del("lock-" + key)
}

// Acquire a destributed lock
func (r *Redis) Acquire(key string) {
	// retry if lock failed
	for !r.lock(key) {
		time.Sleep(lockRetryDelay)
	}
}

// Release a destributed lock
func (r *Redis) Release(key string) {
	r.unlock(key)
}
