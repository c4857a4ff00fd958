package conf

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	dir, err := ioutil.TempDir("", "conf")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	file := filepath.Join(dir, "conf.toml")
	require.NoError(t, ioutil.WriteFile(file, []byte(body), 0644))
	return file
}

func TestLoad(t *testing.T) {
	file := writeConfig(t, `
[log]
level = "debug"

[stun]
servers = ["127.0.0.1:3478"]

[relay]
domain = "example.org"
replytimeout = "2s"

[negotiation]
pollinterval = "100ms"
`)

	c, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, []string{"127.0.0.1:3478"}, c.STUN.Servers)
	assert.Equal(t, "example.org", c.Relay.Domain)
	assert.Equal(t, 2*time.Second, c.Relay.ReplyTimeout)
	assert.Equal(t, 100*time.Millisecond, c.Negotiation.PollInterval)
	// untouched sections keep their defaults
	assert.Equal(t, 4*time.Second, c.Negotiation.AcceptPeriod)
	assert.Equal(t, 6, c.Negotiation.FallbackRounds)
}

func TestLoadReplacesLists(t *testing.T) {
	file := writeConfig(t, `
[etcd]
addrs = ["10.0.0.1:2379"]

[bridge]
portrange = [40000, 40200]
`)

	c, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:2379"}, c.Etcd.Addrs)
	assert.Equal(t, []int{40000, 40200}, c.Bridge.PortRange)
	// lists absent from the file keep their defaults
	assert.Equal(t, DefaultSTUNServers, c.STUN.Servers)
	assert.Equal(t, []string{"127.0.0.1:6379"}, c.Redis.Addrs)
}

func TestLoadUnknownKey(t *testing.T) {
	file := writeConfig(t, `
[relay]
domian = "typo.org"
`)
	_, err := Load(file)
	assert.Error(t, err)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/conf.toml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := Default()
	assert.NoError(t, c.Validate())

	c.Bridge.PortRange = []int{10000, 10010}
	assert.ErrorIs(t, c.Validate(), errPortRange)

	c = Default()
	c.STUN.Servers = nil
	assert.NoError(t, c.Validate())
	assert.Equal(t, DefaultSTUNServers, c.STUN.Servers)

	c.Relay.Domain = ""
	assert.ErrorIs(t, c.Validate(), errNoDomain)
}
