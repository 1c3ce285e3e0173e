package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"conductor/internal/domain"
)

type Config struct {
	URL            string
	SubjectPrefix  string
	Name           string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	// MaxReconnects of -1 retries forever.
	MaxReconnects int
	Buffer        int
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "conductor"
	}
	if c.Name == "" {
		c.Name = "conductor"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	return c
}

// Bus carries assignments and heartbeats over NATS subjects:
//
//	<prefix>.tasks.assigned.<agent-id>
//	<prefix>.agents.heartbeat.<agent-id>
//
// It implements scheduler.Dispatcher on the orchestrator side and the worker
// queue on the agent side.
type Bus struct {
	conn   *nats.Conn
	cfg    Config
	logger *log.Logger

	mu   sync.Mutex
	subs map[string]*subscription
	hb   *nats.Subscription
}

type subscription struct {
	sub *nats.Subscription
	ch  chan domain.Assignment
}

func Connect(cfg Config, logger *log.Logger) (*Bus, error) {
	cfg = cfg.withDefaults()
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	return NewFromConn(conn, cfg, logger), nil
}

func NewFromConn(conn *nats.Conn, cfg Config, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		conn:   conn,
		cfg:    cfg.withDefaults(),
		logger: logger,
		subs:   make(map[string]*subscription),
	}
}

func (b *Bus) AssignedSubject(agentID string) string {
	return b.cfg.SubjectPrefix + ".tasks.assigned." + agentID
}

func (b *Bus) HeartbeatSubject(agentID string) string {
	return b.cfg.SubjectPrefix + ".agents.heartbeat." + agentID
}

func (b *Bus) OnTaskAssigned(_ context.Context, task domain.Task, agent domain.Agent) error {
	data, err := json.Marshal(domain.NewAssignment(task, agent, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("encode assignment: %w", err)
	}
	if err := b.conn.Publish(b.AssignedSubject(agent.ID), data); err != nil {
		return fmt.Errorf("nats publish assignment: %w", err)
	}
	return nil
}

// Register subscribes to the agent's assignment subject. Messages that do not
// decode are logged and dropped, as are messages arriving while the buffer is full.
func (b *Bus) Register(agentID string) <-chan domain.Assignment {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[agentID]; ok {
		return s.ch
	}
	ch := make(chan domain.Assignment, b.cfg.Buffer)
	s := &subscription{ch: ch}
	sub, err := b.conn.Subscribe(b.AssignedSubject(agentID), func(m *nats.Msg) {
		var a domain.Assignment
		if err := json.Unmarshal(m.Data, &a); err != nil {
			b.logger.Printf("nats bad assignment subject=%s: %v", m.Subject, err)
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.subs[agentID] != s {
			return
		}
		select {
		case ch <- a:
		default:
			b.logger.Printf("nats assignment dropped agent=%s task=%s: buffer full", agentID, a.TaskID)
		}
	})
	if err != nil {
		b.logger.Printf("nats subscribe assignments agent=%s: %v", agentID, err)
		close(ch)
		return ch
	}
	s.sub = sub
	b.subs[agentID] = s
	return ch
}

func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[agentID]
	if !ok {
		return
	}
	delete(b.subs, agentID)
	if err := s.sub.Unsubscribe(); err != nil {
		b.logger.Printf("nats unsubscribe agent=%s: %v", agentID, err)
	}
	close(s.ch)
}

func (b *Bus) PublishHeartbeat(agentID string) error {
	if err := b.conn.Publish(b.HeartbeatSubject(agentID), nil); err != nil {
		return fmt.Errorf("nats publish heartbeat: %w", err)
	}
	return nil
}

// ListenHeartbeats calls beat for every heartbeat published by any agent until
// Close. Errors from beat are logged.
func (b *Bus) ListenHeartbeats(ctx context.Context, beat func(ctx context.Context, agentID string) error) error {
	prefix := b.cfg.SubjectPrefix + ".agents.heartbeat."
	sub, err := b.conn.Subscribe(prefix+">", func(m *nats.Msg) {
		agentID := strings.TrimPrefix(m.Subject, prefix)
		if agentID == "" {
			return
		}
		if err := beat(ctx, agentID); err != nil && ctx.Err() == nil {
			b.logger.Printf("nats heartbeat rejected agent=%s: %v", agentID, err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe heartbeats: %w", err)
	}
	b.mu.Lock()
	b.hb = sub
	b.mu.Unlock()
	return nil
}

// Close drops every subscription and drains the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	for id, s := range b.subs {
		_ = s.sub.Unsubscribe()
		close(s.ch)
		delete(b.subs, id)
	}
	if b.hb != nil {
		_ = b.hb.Unsubscribe()
		b.hb = nil
	}
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
