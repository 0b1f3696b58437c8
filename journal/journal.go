// journal/journal.go
package journal

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind classifies a lifecycle event.
type Kind string

const (
	KindPlaced    Kind = "order_placed"
	KindConfirmed Kind = "order_confirmed"
	KindRejected  Kind = "order_rejected"
	KindRetry     Kind = "order_retry"
	KindCancelled Kind = "order_cancelled"
	KindOpened    Kind = "position_opened"
	KindClosed    Kind = "position_closed"
	KindTrigger   Kind = "trigger_resolved"
)

// Event is one record of what the execution layer did or observed.
type Event struct {
	ID       string
	Time     time.Time
	Provider string
	Kind     Kind
	Token    string
	Ticket   string
	Symbol   string
	Reason   string
	Profit   float64
}

type Journal interface {
	RecordEvent(Event) error
	Close() error
}

// Querier is implemented by backends that can read events back.
type Querier interface {
	RecentEvents(limit int) ([]Event, error)
}

var (
	idMu      sync.Mutex
	idEntropy = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NewEventID returns a sortable unique id for an event.
func NewEventID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// Fill populates ID and Time when the caller left them zero.
func Fill(e Event) Event {
	if e.ID == "" {
		e.ID = NewEventID()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return e
}

// Nop discards everything, for dry runs.
type Nop struct{}

func (Nop) RecordEvent(Event) error { return nil }
func (Nop) Close() error            { return nil }
