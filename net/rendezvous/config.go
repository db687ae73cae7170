// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rendezvous

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/time/rate"
	"infinit.io/longinus/punch"
	"infinit.io/longinus/tstime"
	"infinit.io/longinus/types/logger"
)

// DefaultPort is the UDP port the rendezvous service has historically
// listened on.
const DefaultPort = 9999

const (
	defaultIdleTimeout   = 60 * time.Second
	defaultGraceTimeout  = 10 * time.Second
	defaultRetryInitial  = 250 * time.Millisecond
	defaultRetryMax      = 4 * time.Second
	defaultRetryAttempts = 6

	// defaultTickBudget is how many datagrams may be processed before a
	// scheduler tick is forced, so inbound floods cannot starve retries.
	defaultTickBudget = 1024

	// defaultSweepInterval bounds how long the dispatcher blocks in a read
	// when no retry is due. Idle expiry is evaluated at this granularity.
	defaultSweepInterval = time.Second

	defaultSourceTableSize = 1 << 16
)

// Config configures a Server. The zero value of every field selects the
// default; DefaultConfig returns a Config with the defaults filled in.
type Config struct {
	// ListenIP is the address to bind. The empty string binds all
	// addresses of both families; "0.0.0.0" binds all IPv4 addresses.
	ListenIP string
	// ListenPort is the UDP port to bind. Zero picks an ephemeral port.
	ListenPort uint16

	// IdleTimeout is how long a session survives without REGISTER, ACK
	// or BYE traffic.
	IdleTimeout time.Duration
	// GraceTimeout is how long a DONE session is remembered, so late
	// duplicates are absorbed instead of opening a new session.
	GraceTimeout time.Duration
	// MaxEndpoints is K, the cap on endpoints kept per peer and carried
	// per message. At most punch.MaxEndpointsLimit.
	MaxEndpoints int

	// RetryInitial is the delay before the first PAIR retransmission.
	// Each following delay doubles, up to RetryMax.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// RetryAttempts is the number of retransmissions of an unacknowledged
	// PAIR before its recipient is declared unreachable.
	RetryAttempts int

	// TickBudget is the number of datagrams processed between forced
	// scheduler ticks.
	TickBudget int
	// SweepInterval is the longest time between scheduler ticks.
	SweepInterval time.Duration

	// SourceRate limits how many datagrams per second a single source IP
	// may have processed. Zero disables the limit.
	SourceRate rate.Limit
	// SourceBurst is the token bucket size of the per-source limit.
	SourceBurst int
	// SourceTableSize caps the number of source IPs tracked by the limiter.
	SourceTableSize int

	// Logf receives operational logs. Nil means log.Printf.
	Logf logger.Logf
	// Verbose enables per-datagram and per-session debug logs.
	Verbose bool
	// Clock is the monotonic time source. Nil means tstime.StdClock.
	Clock tstime.Clock
}

// DefaultConfig returns the default configuration, listening on all IPv4
// addresses on DefaultPort.
func DefaultConfig() Config {
	return Config{
		ListenIP:   "0.0.0.0",
		ListenPort: DefaultPort,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.GraceTimeout == 0 {
		c.GraceTimeout = defaultGraceTimeout
	}
	if c.MaxEndpoints == 0 {
		c.MaxEndpoints = punch.DefaultMaxEndpoints
	}
	if c.RetryInitial == 0 {
		c.RetryInitial = defaultRetryInitial
	}
	if c.RetryMax == 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.TickBudget == 0 {
		c.TickBudget = defaultTickBudget
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.SourceRate > 0 && c.SourceBurst == 0 {
		c.SourceBurst = max(1, int(c.SourceRate))
	}
	if c.SourceTableSize == 0 {
		c.SourceTableSize = defaultSourceTableSize
	}
	if c.Clock == nil {
		c.Clock = tstime.StdClock{}
	}
	return c
}

// ErrInvalidConfig is wrapped by all errors returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid rendezvous config")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate reports whether c, after defaults are applied, is usable.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.ListenIP != "" {
		if _, err := netip.ParseAddr(c.ListenIP); err != nil {
			return invalid("listen IP %q: %v", c.ListenIP, err)
		}
	}
	switch {
	case c.IdleTimeout < 0:
		return invalid("idle timeout %v must be positive", c.IdleTimeout)
	case c.GraceTimeout < 0:
		return invalid("grace timeout %v must be positive", c.GraceTimeout)
	case c.MaxEndpoints < 1 || c.MaxEndpoints > punch.MaxEndpointsLimit:
		return invalid("max endpoints %d out of range [1, %d]", c.MaxEndpoints, punch.MaxEndpointsLimit)
	case c.RetryInitial < 0:
		return invalid("initial retry delay %v must be positive", c.RetryInitial)
	case c.RetryMax < c.RetryInitial:
		return invalid("max retry delay %v is below initial delay %v", c.RetryMax, c.RetryInitial)
	case c.RetryAttempts < 1 || c.RetryAttempts > 255:
		return invalid("retry attempts %d out of range [1, 255]", c.RetryAttempts)
	case c.TickBudget < 1:
		return invalid("tick budget %d must be positive", c.TickBudget)
	case c.SweepInterval < 0:
		return invalid("sweep interval %v must be positive", c.SweepInterval)
	case c.SourceRate < 0:
		return invalid("source rate %v must not be negative", c.SourceRate)
	case c.SourceBurst < 0:
		return invalid("source burst %d must not be negative", c.SourceBurst)
	case c.SourceTableSize < 1:
		return invalid("source table size %d must be positive", c.SourceTableSize)
	}
	return nil
}

// listenNetwork returns the network to pass to net.ListenUDP for c.ListenIP,
// so the socket family is known when parsing control messages.
func (c Config) listenNetwork() (network string, ip netip.Addr) {
	if c.ListenIP == "" {
		return "udp", netip.Addr{}
	}
	ip = netip.MustParseAddr(c.ListenIP) // checked by Validate
	if ip.Is4() || ip.Is4In6() {
		return "udp4", ip.Unmap()
	}
	return "udp6", ip
}
