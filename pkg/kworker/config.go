package kworker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Opt is an option to configure a worker.
type Opt interface {
	apply(*cfg)
}

type workerOpt struct{ fn func(*cfg) }

func (opt workerOpt) apply(cfg *cfg) { opt.fn(cfg) }

type cfg struct {
	id     *string
	dialFn func(context.Context, string, string) (net.Conn, error)
	tls    *tls.Config

	seedBrokers []string
	caps        Capabilities

	group         string
	groupDisabled bool

	metadataInterval time.Duration
	groupInterval    time.Duration

	metadataRetry    retryPolicy
	coordinatorRetry retryPolicy

	requestTimeout time.Duration
	sessionTimeout time.Duration

	fetchMaxWait  time.Duration
	fetchMinBytes int32
	fetchMaxBytes int32

	maxBrokerReadBytes int32

	logger Logger
	hooks  hooks
}

func defaultCfg() cfg {
	defaultID := "kworker"
	return cfg{
		id:     &defaultID,
		dialFn: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,

		seedBrokers: []string{"127.0.0.1"},
		caps:        GroupCapabilities(),

		group: "kworker",

		metadataInterval: 30 * time.Second,
		groupInterval:    30 * time.Second,

		metadataRetry:    retryPolicy{attempts: 3, backoff: 300 * time.Millisecond},
		coordinatorRetry: retryPolicy{attempts: 3, backoff: 400 * time.Millisecond},

		requestTimeout: 10 * time.Second,
		sessionTimeout: 30 * time.Second,

		fetchMaxWait:  10 * time.Millisecond,
		fetchMinBytes: 1,
		fetchMaxBytes: 1000000,

		maxBrokerReadBytes: 100 << 20,

		logger: new(nopLogger),
	}
}

func (cfg *cfg) validate() error {
	if !cfg.groupDisabled && cfg.group == "" {
		return ErrInvalidConsumerGroup
	}
	if len(cfg.seedBrokers) == 0 {
		return errors.New("config erroneously has no seed brokers")
	}
	for _, seed := range cfg.seedBrokers {
		if _, err := parseBrokerAddr(seed); err != nil {
			return err
		}
	}
	for _, limit := range []struct {
		name string
		v    time.Duration
	}{
		{"metadata update interval", cfg.metadataInterval},
		{"consumer group update interval", cfg.groupInterval},
		{"request timeout", cfg.requestTimeout},
	} {
		if limit.v <= 0 {
			return fmt.Errorf("%s %v must be positive", limit.name, limit.v)
		}
	}
	if cfg.metadataRetry.attempts < 1 || cfg.coordinatorRetry.attempts < 1 {
		return errors.New("retry attempts must be at least 1")
	}
	if cfg.fetchMaxBytes < cfg.fetchMinBytes {
		return fmt.Errorf("fetch max bytes %d is erroneously less than fetch min bytes %d", cfg.fetchMaxBytes, cfg.fetchMinBytes)
	}
	if cfg.fetchMaxBytes > cfg.maxBrokerReadBytes {
		return fmt.Errorf("fetch max bytes %d is erroneously larger than broker max read bytes %d", cfg.fetchMaxBytes, cfg.maxBrokerReadBytes)
	}
	return nil
}

// groupEnabled returns whether group membership requests are allowed.
func (cfg *cfg) groupEnabled() bool {
	return !cfg.groupDisabled && cfg.caps.ConsumerGroups
}

// hostport is a broker identity: two brokers with the same host and port are
// the same broker.
type hostport struct {
	host string
	port int32
}

func (hp hostport) String() string {
	return net.JoinHostPort(hp.host, strconv.Itoa(int(hp.port)))
}

// parseBrokerAddr parses a host, host:port, [ipv6] or [ipv6]:port address,
// defaulting the port to 9092.
func parseBrokerAddr(addr string) (hostport, error) {
	const defaultPort = 9092

	// Bare IPv6 literal without brackets or port.
	if ip := net.ParseIP(addr); ip != nil {
		return hostport{ip.String(), defaultPort}, nil
	}

	if strings.HasPrefix(addr, "[") && strings.HasSuffix(addr, "]") {
		return hostport{addr[1 : len(addr)-1], defaultPort}, nil
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && addrErr.Err == "missing port in address" {
			return hostport{addr, defaultPort}, nil
		}
		return hostport{}, fmt.Errorf("unable to parse broker addr %q: %w", addr, err)
	}
	port, err := strconv.ParseInt(portStr, 10, 32)
	if err != nil {
		return hostport{}, fmt.Errorf("unable to parse port in broker addr %q: %w", addr, err)
	}
	return hostport{host, int32(port)}, nil
}

// ClientID uses id for all requests sent to Kafka brokers, overriding the
// default "kworker".
func ClientID(id string) Opt {
	return workerOpt{func(cfg *cfg) { cfg.id = &id }}
}

// SeedBrokers sets the brokers the worker initially loads metadata from,
// overriding the default 127.0.0.1:9092. Each address may omit the port, in
// which case 9092 is used.
func SeedBrokers(seeds ...string) Opt {
	return workerOpt{func(cfg *cfg) { cfg.seedBrokers = append(cfg.seedBrokers[:0], seeds...) }}
}

// ConsumerGroup sets the consumer group this worker coordinates for,
// overriding the default "kworker". An empty name is invalid and causes
// NewWorker to fail with ErrInvalidConsumerGroup.
func ConsumerGroup(group string) Opt {
	return workerOpt{func(cfg *cfg) { cfg.group, cfg.groupDisabled = group, false }}
}

// DisableConsumerGroup creates the worker without a consumer group. Group
// membership requests fail with ErrConsumerGroupDisabled and the consumer
// group refresh ticker is never started.
func DisableConsumerGroup() Opt {
	return workerOpt{func(cfg *cfg) { cfg.group, cfg.groupDisabled = "", true }}
}

// MetadataUpdateInterval sets how often the worker refreshes cluster
// metadata, overriding the default 30s.
func MetadataUpdateInterval(interval time.Duration) Opt {
	return workerOpt{func(cfg *cfg) { cfg.metadataInterval = interval }}
}

// ConsumerGroupUpdateInterval sets how often the worker re-resolves its
// consumer group coordinator, overriding the default 30s. This has no effect
// if the consumer group is disabled.
func ConsumerGroupUpdateInterval(interval time.Duration) Opt {
	return workerOpt{func(cfg *cfg) { cfg.groupInterval = interval }}
}

// MetadataRetries sets how many attempts the initial metadata load gets and
// the constant backoff between attempts, overriding the default 3 attempts
// 300ms apart.
func MetadataRetries(attempts int, backoff time.Duration) Opt {
	return workerOpt{func(cfg *cfg) { cfg.metadataRetry = retryPolicy{attempts, backoff} }}
}

// CoordinatorRetries sets how many attempts a coordinator lookup gets and the
// constant backoff between attempts, overriding the default 3 attempts 400ms
// apart.
func CoordinatorRetries(attempts int, backoff time.Duration) Opt {
	return workerOpt{func(cfg *cfg) { cfg.coordinatorRetry = retryPolicy{attempts, backoff} }}
}

// WithCapabilities sets the broker capabilities the worker relies on,
// overriding the default GroupCapabilities.
func WithCapabilities(caps Capabilities) Opt {
	return workerOpt{func(cfg *cfg) { cfg.caps = caps }}
}

// Dialer uses fn to dial addresses, overriding the default dialer that uses a
// 10s dial timeout and no TLS. If DialTLSConfig is also used, the connection
// returned from fn is wrapped in a TLS client.
func Dialer(fn func(ctx context.Context, network, host string) (net.Conn, error)) Opt {
	return workerOpt{func(cfg *cfg) { cfg.dialFn = fn }}
}

// DialTLS opts in to dialing brokers with TLS using a default config.
func DialTLS() Opt {
	return workerOpt{func(cfg *cfg) { cfg.tls = new(tls.Config) }}
}

// DialTLSConfig opts in to dialing brokers with the given TLS config. If the
// config has no ServerName, the broker's host is used.
func DialTLSConfig(c *tls.Config) Opt {
	return workerOpt{func(cfg *cfg) { cfg.tls = c }}
}

// RequestTimeout sets the deadline for writing a request and reading its
// response, overriding the default 10s. Fetch requests additionally get the
// fetch max wait.
func RequestTimeout(timeout time.Duration) Opt {
	return workerOpt{func(cfg *cfg) { cfg.requestTimeout = timeout }}
}

// SessionTimeout sets the session timeout used in join group requests when
// the caller does not specify one, overriding the default 30s.
func SessionTimeout(timeout time.Duration) Opt {
	return workerOpt{func(cfg *cfg) { cfg.sessionTimeout = timeout }}
}

// FetchMaxWait sets how long a broker may wait for FetchMinBytes to
// accumulate before answering a fetch, overriding the default 10ms.
func FetchMaxWait(wait time.Duration) Opt {
	return workerOpt{func(cfg *cfg) { cfg.fetchMaxWait = wait }}
}

// FetchMinBytes sets the minimum number of bytes a broker waits for before
// answering a fetch, overriding the default 1.
func FetchMinBytes(n int32) Opt {
	return workerOpt{func(cfg *cfg) { cfg.fetchMinBytes = n }}
}

// FetchMaxBytes sets the maximum number of bytes a broker returns for a
// partition in a single fetch, overriding the default 1MB.
func FetchMaxBytes(n int32) Opt {
	return workerOpt{func(cfg *cfg) { cfg.fetchMaxBytes = n }}
}

// BrokerMaxReadBytes sets the largest response the worker reads from a
// broker, overriding the default 100MiB. A response claiming a larger size
// fails with ErrInvalidRespSize and kills the connection.
//
// This must be at least FetchMaxBytes.
func BrokerMaxReadBytes(v int32) Opt {
	return workerOpt{func(cfg *cfg) { cfg.maxBrokerReadBytes = v }}
}

// WithLogger sets the worker to use the given logger, overriding the default
// to not use a logger.
func WithLogger(l Logger) Opt {
	return workerOpt{func(cfg *cfg) { cfg.logger = &wrappedLogger{l} }}
}

// WithHooks sets hooks to call whenever relevant.
//
// Hooks can be used to layer in metrics (such as prometheus) or anything
// else. The base Hook interface is useless; see the HookBroker interfaces.
func WithHooks(hs ...Hook) Opt {
	return workerOpt{func(cfg *cfg) { cfg.hooks = append(cfg.hooks, hs...) }}
}
