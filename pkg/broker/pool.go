package broker

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/meridianfleet/controlplane/pkg/errs"
	"github.com/meridianfleet/controlplane/pkg/log"
)

// Config holds the broker connection and topology parameters recognized
// by the coordinator.
type Config struct {
	HostName          string
	Port              int
	UserName          string
	Password          string
	VHost             string
	TLS               bool
	HeartbeatS        int
	RecoveryIntervalS int
	AutoRecover       bool
	ClusterHosts      []string
	MaxConnPool       int
	MinConnPool       int
	Prefetch          int
	BatchSize         int
	ConsumerThreads   int
	MaxMessagesPerSec float64
	MaxConcurrentOps  int
}

// DefaultConfig returns conservative defaults for a single-process
// coordinator.
func DefaultConfig() Config {
	return Config{
		HostName:          "localhost",
		Port:              5672,
		UserName:          "guest",
		Password:          "guest",
		VHost:             "/",
		HeartbeatS:        10,
		RecoveryIntervalS: 2,
		AutoRecover:       true,
		MinConnPool:       2,
		MaxConnPool:       8,
		Prefetch:          32,
		BatchSize:         100,
		ConsumerThreads:   4,
		MaxMessagesPerSec: 500,
		MaxConcurrentOps:  1000,
	}
}

func (c Config) url() string {
	scheme := "amqp"
	if c.TLS {
		scheme = "amqps"
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d%s", scheme, c.UserName, c.Password, c.HostName, c.Port, c.VHost)
}

// connPool is a small round-robin pool of AMQP connections, each lending
// out a fresh channel per borrower so concurrent publishers never share
// one.
type connPool struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	conns  []*amqp.Connection
	next   int
	closed bool
}

func newConnPool(cfg Config) (*connPool, error) {
	if cfg.MinConnPool <= 0 {
		cfg.MinConnPool = 1
	}
	p := &connPool{cfg: cfg, logger: log.WithComponent("broker.pool")}
	for i := 0; i < cfg.MinConnPool; i++ {
		conn, err := p.dial()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.conns = append(p.conns, conn)
	}
	return p, nil
}

func (p *connPool) dial() (*amqp.Connection, error) {
	heartbeat := time.Duration(p.cfg.HeartbeatS) * time.Second
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	conn, err := amqp.DialConfig(p.cfg.url(), amqp.Config{Heartbeat: heartbeat})
	if err != nil {
		return nil, errs.Wrap(errs.TransportUnavailable, err, "dial broker %s:%d", p.cfg.HostName, p.cfg.Port)
	}
	if p.cfg.AutoRecover {
		go p.watch(conn)
	}
	return conn, nil
}

// watch replaces a connection transparently in the pool once it closes,
// with bounded backoff between redial attempts.
func (p *connPool) watch(conn *amqp.Connection) {
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	amqpErr, ok := <-closeCh
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.logger.Warn().Err(amqpErrAsError(amqpErr, ok)).Msg("broker connection lost, reconnecting")
	p.mu.Unlock()

	backoff := time.Duration(p.cfg.RecoveryIntervalS) * time.Second
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	for attempt := 0; ; attempt++ {
		time.Sleep(backoff)
		newConn, err := p.dial()
		if err != nil {
			p.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("broker reconnect failed, retrying")
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = newConn.Close()
			return
		}
		for i, c := range p.conns {
			if c == conn {
				p.conns[i] = newConn
				break
			}
		}
		p.mu.Unlock()
		p.logger.Info().Msg("broker connection restored")
		return
	}
}

func amqpErrAsError(e *amqp.Error, ok bool) error {
	if !ok || e == nil {
		return fmt.Errorf("connection closed")
	}
	return e
}

// channel borrows a fresh channel from the next connection in rotation.
// Callers own the channel exclusively and must Close it when done.
func (p *connPool) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	if p.closed || len(p.conns) == 0 {
		p.mu.Unlock()
		return nil, errs.New(errs.TransportUnavailable, "broker connection pool closed or empty")
	}
	conn := p.conns[p.next%len(p.conns)]
	p.next++
	p.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, errs.Wrap(errs.TransportUnavailable, err, "open channel")
	}
	return ch, nil
}

// Close closes every pooled connection.
func (p *connPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var firstErr error
	for _, c := range p.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.conns = nil
	return firstErr
}
