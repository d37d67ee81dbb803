package compaction

import (
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/secmon-lab/mnemosyne/pkg/utils/logging"
)

// Context window defaults. A session crossing the usage threshold needs
// compaction; the last KeepExchanges exchanges survive it verbatim.
const (
	DefaultContextWindow = 128_000
	DefaultThreshold     = 0.8
	DefaultKeepExchanges = 3

	// RoleSystem messages never compact away
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn tracked by the monitor
type Message struct {
	Role        string `json:"role"`
	Text        string `json:"text"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Usage is the running token estimate for one session
type Usage struct {
	Tokens int     `json:"tokens"`
	Window int     `json:"window"`
	Ratio  float64 `json:"ratio"`
}

// AddResult reports whether the session crossed the compaction threshold
type AddResult struct {
	NeedsCompaction bool  `json:"needs_compaction"`
	Usage           Usage `json:"usage"`
}

// TokenCounter estimates token counts for context window accounting
type TokenCounter interface {
	Count(text string) int
}

// tiktokenCounter counts with the cl100k_base encoding, loaded from the
// bundled offline BPE data so startup never hits the network
type tiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter returns a tiktoken-based counter, or the chars/4
// estimator when the encoding cannot be loaded.
func NewTokenCounter() TokenCounter {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logging.Default().Warn("tiktoken encoding unavailable, falling back to character estimate",
			"error", err.Error())
		return estimateCounter{}
	}
	return &tiktokenCounter{encoding: encoding}
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// estimateCounter approximates tokens as chars/4
type estimateCounter struct{}

func (estimateCounter) Count(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

type sessionState struct {
	messages    []Message
	tokens      int
	compactions int
}

// Monitor keeps a per-session running token estimate and decides when a
// session needs compaction. All session state is owned here and accessed
// through its API only.
type Monitor struct {
	mu        sync.Mutex
	sessions  map[string]*sessionState
	counter   TokenCounter
	window    int
	threshold float64
	keep      int
}

// MonitorOption is a functional option for Monitor configuration
type MonitorOption func(*Monitor)

// WithContextWindow overrides the context window size in tokens
func WithContextWindow(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.window = n
		}
	}
}

// WithThreshold overrides the usage ratio that triggers compaction
func WithThreshold(ratio float64) MonitorOption {
	return func(m *Monitor) {
		if ratio > 0 && ratio <= 1 {
			m.threshold = ratio
		}
	}
}

// WithKeepExchanges overrides how many trailing exchanges survive
// compaction
func WithKeepExchanges(n int) MonitorOption {
	return func(m *Monitor) {
		if n >= 0 {
			m.keep = n
		}
	}
}

// WithTokenCounter injects the token counter
func WithTokenCounter(c TokenCounter) MonitorOption {
	return func(m *Monitor) {
		m.counter = c
	}
}

// NewMonitor creates a context monitor
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		sessions:  make(map[string]*sessionState),
		window:    DefaultContextWindow,
		threshold: DefaultThreshold,
		keep:      DefaultKeepExchanges,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.counter == nil {
		m.counter = NewTokenCounter()
	}
	return m
}

func (m *Monitor) session(id string) *sessionState {
	if s, exists := m.sessions[id]; exists {
		return s
	}
	s := &sessionState{}
	m.sessions[id] = s
	return s
}

// AddMessage appends a message to the session history and reports
// whether the session now needs compaction
func (m *Monitor) AddMessage(sessionID, role, text string) *AddResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session(sessionID)
	s.messages = append(s.messages, Message{
		Role:        role,
		Text:        text,
		TimestampMs: time.Now().UnixMilli(),
	})
	s.tokens += m.counter.Count(text)

	usage := m.usageLocked(s)
	return &AddResult{
		NeedsCompaction: usage.Ratio >= m.threshold,
		Usage:           usage,
	}
}

func (m *Monitor) usageLocked(s *sessionState) Usage {
	return Usage{
		Tokens: s.tokens,
		Window: m.window,
		Ratio:  float64(s.tokens) / float64(m.window),
	}
}

// Usage returns the current token usage for a session
func (m *Monitor) Usage(sessionID string) Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked(m.session(sessionID))
}

// GetCompactableMessages partitions the session history: everything
// compacts except system messages and the last keep exchanges (one
// exchange is a user/assistant pair).
func (m *Monitor) GetCompactableMessages(sessionID string) (toCompact, toKeep []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session(sessionID)

	keepTail := m.keep * 2
	var nonSystem int
	for _, msg := range s.messages {
		if msg.Role != RoleSystem {
			nonSystem++
		}
	}

	var seen int
	for _, msg := range s.messages {
		if msg.Role == RoleSystem {
			toKeep = append(toKeep, msg)
			continue
		}
		seen++
		if nonSystem-seen < keepTail {
			toKeep = append(toKeep, msg)
		} else {
			toCompact = append(toCompact, msg)
		}
	}
	return toCompact, toKeep
}

// ReplaceAfterCompaction collapses the session to the summary plus the
// kept messages. This is the state transition out of "needs compaction".
func (m *Monitor) ReplaceAfterCompaction(sessionID, summaryText string, kept []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session(sessionID)
	messages := make([]Message, 0, len(kept)+1)
	messages = append(messages, Message{
		Role:        RoleSystem,
		Text:        "[Conversation summary] " + summaryText,
		TimestampMs: time.Now().UnixMilli(),
	})
	messages = append(messages, kept...)

	tokens := 0
	for _, msg := range messages {
		tokens += m.counter.Count(msg.Text)
	}

	s.messages = messages
	s.tokens = tokens
	s.compactions++
}

// Compactions returns how many times the session has been compacted
func (m *Monitor) Compactions(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session(sessionID).compactions
}

// Messages returns a copy of the session history
func (m *Monitor) Messages(sessionID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session(sessionID)
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}
