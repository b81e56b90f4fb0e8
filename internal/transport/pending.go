package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPendingTTL is how long an uncollected reply is kept.
const DefaultPendingTTL = 5 * time.Minute

// pendingReply is the eventual outcome of one dispatched HTTP message.
type pendingReply struct {
	sessionID string
	bare      bool
	done      chan struct{}
	reply     json.RawMessage
	err       error
}

func newPendingReply(sessionID string, bare bool) *pendingReply {
	return &pendingReply{sessionID: sessionID, bare: bare, done: make(chan struct{})}
}

// resolve must be called exactly once.
func (p *pendingReply) resolve(reply json.RawMessage, err error) {
	p.reply, p.err = reply, err
	close(p.done)
}

// pendingReplies holds replies that missed the response window, keyed by
// poll token.
type pendingReplies struct {
	mu      sync.Mutex
	entries map[string]*pendingReply
	ttl     time.Duration
}

func newPendingReplies(ttl time.Duration) *pendingReplies {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &pendingReplies{entries: make(map[string]*pendingReply), ttl: ttl}
}

// add stores p and returns its poll token. The entry expires after the TTL
// whether or not it was collected.
func (pr *pendingReplies) add(p *pendingReply) string {
	token := uuid.NewString()
	pr.mu.Lock()
	pr.entries[token] = p
	pr.mu.Unlock()

	time.AfterFunc(pr.ttl, func() { pr.remove(token) })
	return token
}

func (pr *pendingReplies) get(token string) (*pendingReply, bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	p, ok := pr.entries[token]
	return p, ok
}

func (pr *pendingReplies) remove(token string) {
	pr.mu.Lock()
	delete(pr.entries, token)
	pr.mu.Unlock()
}

func (pr *pendingReplies) len() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return len(pr.entries)
}
