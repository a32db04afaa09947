package audit

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// ErrLogClosed is returned by Append after Close.
var ErrLogClosed = errors.New("audit log closed")

// LogConfig configures a Log.
type LogConfig struct {
	// BufferSize is how many events are kept in memory.
	BufferSize int
	// Journal, when set, receives every event before it is published.
	Journal *Journal
	Clock   clock.Clock
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// Log is the failover event stream.
type Log struct {
	mu         sync.RWMutex
	events     []Event
	bufferSize int
	index      int
	count      int
	seq        uint64
	closed     bool

	subs    map[int]chan Event
	nextSub int

	journal *Journal
	clk     clock.Clock
	logger  logging.Logger
	metrics *metrics.Registry
}

// NewLog creates a log. With a journal, the newest journaled events are
// loaded into the buffer and sequence numbers continue from the journal.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	l := &Log{
		events:     make([]Event, cfg.BufferSize),
		bufferSize: cfg.BufferSize,
		subs:       make(map[int]chan Event),
		journal:    cfg.Journal,
		clk:        cfg.Clock,
		logger:     logging.ForComponent(cfg.Logger, "audit"),
		metrics:    cfg.Metrics,
	}

	if l.journal != nil {
		err := l.journal.Replay(func(r Record) error {
			l.store(r.Event)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("replay audit journal: %w", err)
		}
		l.seq = l.journal.LastSeq()
		if l.count > 0 {
			l.logger.Info("audit journal replayed", logging.Int("buffered", l.count), logging.Uint64("seq", l.seq))
		}
	}
	return l, nil
}

func (l *Log) store(e Event) {
	l.events[l.index] = e
	l.index = (l.index + 1) % l.bufferSize
	if l.count < l.bufferSize {
		l.count++
	}
}

// Append assigns the event its ID, sequence number and timestamp, journals
// it and publishes it. A journal failure is returned but the event is still
// kept in memory and published.
func (l *Log) Append(e Event) (Event, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Event{}, ErrLogClosed
	}

	l.seq++
	e.Seq = l.seq
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clk.Now()
	}

	var journalErr error
	if l.journal != nil {
		if err := l.journal.Write(e); err != nil {
			journalErr = fmt.Errorf("journal event %d: %w", e.Seq, err)
			l.metrics.RecordJournalFailure()
			l.logger.Error("audit journal write failed", logging.Uint64("seq", e.Seq), logging.Error(err))
		}
	}
	l.store(e)

	for id, ch := range l.subs {
		select {
		case ch <- e:
		default:
			l.logger.Warn("audit subscriber lagging, event dropped", logging.Int("subscriber", id), logging.Uint64("seq", e.Seq))
		}
	}
	l.mu.Unlock()

	l.metrics.RecordAuditEvent(string(e.Trigger), string(e.Outcome))
	l.logger.Info("failover event",
		logging.Group(e.Group), logging.Trigger(string(e.Trigger)), logging.Outcome(string(e.Outcome)),
		logging.String("source", e.Source), logging.String("target", e.Target),
		logging.Bool("data_loss", e.DataLoss), logging.Duration("duration", e.Duration))
	return e, journalErr
}

// Query returns matching buffered events, oldest first. A positive limit
// keeps only the newest limit matches.
func (l *Log) Query(f Filter, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0, l.count)
	for i := 0; i < l.count; i++ {
		e := l.events[(l.index-l.count+i+l.bufferSize)%l.bufferSize]
		if f.Match(e) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Recent returns the n newest events, newest first.
func (l *Log) Recent(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > l.count {
		n = l.count
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, l.events[(l.index-1-i+l.bufferSize)%l.bufferSize])
	}
	return out
}

// LastSeq returns the sequence number of the newest event.
func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Subscribe returns a channel receiving every event appended from now on,
// and a function that ends the subscription. Events are dropped for a
// subscriber whose buffer is full.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if _, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(ch)
			}
		})
	}
}

// Close ends every subscription and closes the journal.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	for id, ch := range l.subs {
		close(ch)
		delete(l.subs, id)
	}
	if l.journal != nil {
		return l.journal.Close()
	}
	return nil
}
