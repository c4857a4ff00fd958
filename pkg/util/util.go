package util

import (
	"math/rand"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/pion/ion-jingle/pkg/log"
)

const (
	// DefaultReplyTimeout bounds every request/response exchange with the server.
	DefaultReplyTimeout = 5 * time.Second
)

var (
	rnd     = rand.New(rand.NewSource(time.Now().UnixNano()))
	rndLock sync.Mutex
)

// RandomString generate a random string
func RandomString(n int) string {
	var letterRunes = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890")
	b := make([]rune, n)
	rndLock.Lock()
	for i := range b {
		b[i] = letterRunes[rnd.Intn(len(letterRunes))]
	}
	rndLock.Unlock()
	return string(b)
}

// RandomPassword returns a random non-negative decimal number, the
// credential format candidates exchange on the wire.
func RandomPassword() string {
	rndLock.Lock()
	defer rndLock.Unlock()
	return strconv.FormatInt(rnd.Int63(), 10)
}

// RandomInt returns a non-negative pseudo-random number in [0,n).
func RandomInt(n int) int {
	rndLock.Lock()
	defer rndLock.Unlock()
	return rnd.Intn(n)
}

// Recover print stack
func Recover(flag string) {
	_, _, l, _ := runtime.Caller(1)
	if err := recover(); err != nil {
		log.Errorf("[%s] Recover panic line => %v", flag, l)
		log.Errorf("[%s] Recover err => %v", flag, err)
		debug.PrintStack()
	}
}
