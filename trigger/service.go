package trigger

import (
	"sort"
	"sync"

	"github.com/tradeterm/tradeterm/market"
)

// Execution is handed to the caller when an instance resolves to an
// entry.
type Execution struct {
	ID   int
	Side market.Side
	Outcome
}

// Cancellation is handed to the caller when an instance resolves to a
// cancel.
type Cancellation struct {
	ID   int
	Side market.Side
}

// Request arms one trigger instance.
type Request struct {
	Strategy string // "" = consolidation
	Params   Params

	OnExecute func(Execution)
	OnCancel  func(Cancellation)
}

type instance struct {
	id        int
	side      market.Side
	strategy  Strategy
	onExecute func(Execution)
	onCancel  func(Cancellation)
}

// Service owns the live trigger instances for one symbol. Every bar
// is offered to every instance; resolved instances are removed before
// their callback runs, so a callback re-arming a trigger cannot see
// the old one.
type Service struct {
	mu     sync.Mutex
	orders map[int]*instance
	nextID int
}

func NewService() *Service {
	return &Service{orders: make(map[int]*instance), nextID: 1}
}

// AddOrder arms an instance and returns its id.
func (s *Service) AddOrder(req Request) (int, error) {
	name := req.Strategy
	if name == "" {
		name = "consolidation"
	}
	strat, err := New(name, req.Params)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.orders[id] = &instance{
		id:        id,
		side:      req.Params.Side,
		strategy:  strat,
		onExecute: req.OnExecute,
		onCancel:  req.OnCancel,
	}
	return id, nil
}

// CancelOrder removes an instance without invoking its callbacks.
func (s *Service) CancelOrder(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, id)
}

// Live reports the number of armed instances.
func (s *Service) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// OnBar feeds one bar to every live instance in arming order.
func (s *Service) OnBar(bar market.Bar) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.orders))
	for id := range s.orders {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	type fired struct {
		inst *instance
		out  *Outcome
	}
	var resolved []fired
	for _, id := range ids {
		inst := s.orders[id]
		out := inst.strategy.OnBar(bar)
		if out == nil {
			continue
		}
		delete(s.orders, id)
		resolved = append(resolved, fired{inst, out})
	}
	s.mu.Unlock()

	for _, r := range resolved {
		if r.out.Cancel {
			if r.inst.onCancel != nil {
				r.inst.onCancel(Cancellation{ID: r.inst.id, Side: r.inst.side})
			}
			continue
		}
		if r.inst.onExecute != nil {
			r.inst.onExecute(Execution{ID: r.inst.id, Side: r.inst.side, Outcome: *r.out})
		}
	}
}
