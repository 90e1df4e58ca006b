package socket

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breakerDialer guards outbound dials with one circuit breaker per
// remote address, so a flapping upstream fails fast instead of tying up
// handler goroutines in dial timeouts.
type breakerDialer struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerDialer() *breakerDialer {
	return &breakerDialer{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (d *breakerDialer) breaker(addr string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[addr]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    addr,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		d.breakers[addr] = cb
	}
	return cb
}

func (d *breakerDialer) dial(addr string, timeout time.Duration) (net.Conn, error) {
	v, err := d.breaker(addr).Execute(func() (any, error) {
		return net.DialTimeout("tcp", addr, timeout)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("socket: dial %s (%s): %w", addr, ErrCodeBreakerOpen, err)
	}
	if err != nil {
		return nil, fmt.Errorf("socket: dial %s: %w", addr, err)
	}
	return v.(net.Conn), nil
}
