package session

import (
	"context"
	"sync"

	"maestro/internal/logging"
)

// state tracks one pooled session.
type state struct {
	id   string
	busy bool
}

// Pool hands out one session per agent, reusing it across tasks when idle.
// An agent's session holds at most one running task at a time.
type Pool struct {
	mu       sync.Mutex
	api      API
	byAgent  map[string]*state
	bySessID map[string]string
	logger   logging.Logger
}

// NewPool builds an empty pool over the API.
func NewPool(api API, logger logging.Logger) *Pool {
	return &Pool{
		api:      api,
		byAgent:  map[string]*state{},
		bySessID: map[string]string{},
		logger:   logging.OrNop(logger),
	}
}

// Acquire returns the agent's idle session, creating one on first use, and
// marks it busy. ok is false when the agent's session is already running a
// task.
func (p *Pool) Acquire(ctx context.Context, agent string) (sessionID string, ok bool, err error) {
	p.mu.Lock()
	s, exists := p.byAgent[agent]
	if exists && s.busy {
		p.mu.Unlock()
		return "", false, nil
	}
	if exists {
		s.busy = true
		p.mu.Unlock()
		return s.id, true, nil
	}
	p.mu.Unlock()

	// Session creation happens outside the lock; a racing Acquire for the
	// same agent is resolved below by first-writer-wins.
	id, err := p.api.CreateSession(ctx, agent)
	if err != nil {
		return "", false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, exists := p.byAgent[agent]; exists {
		if cur.busy {
			return "", false, nil
		}
		cur.busy = true
		return cur.id, true, nil
	}
	p.byAgent[agent] = &state{id: id, busy: true}
	p.bySessID[id] = agent
	p.logger.Debug("created session %s for agent %s", id, agent)
	return id, true, nil
}

// Release marks a session idle so the next task for its agent can reuse it.
func (p *Pool) Release(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if agent, ok := p.bySessID[sessionID]; ok {
		p.byAgent[agent].busy = false
	}
}

// API exposes the underlying session API for sending prompts.
func (p *Pool) API() API { return p.api }

// Agent returns the agent owning a session id.
func (p *Pool) Agent(sessionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	agent, ok := p.bySessID[sessionID]
	return agent, ok
}
