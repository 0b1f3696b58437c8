// journal/csv.go
package journal

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"
)

type CSVJournal struct {
	mu sync.Mutex
	w  *csv.Writer
	f  *os.File
}

func NewCSV(path string) (*CSVJournal, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w := csv.NewWriter(f)
	if err := w.Write([]string{"id", "time", "provider", "kind", "token", "ticket", "symbol", "reason", "profit"}); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, err
	}

	return &CSVJournal{w: w, f: f}, nil
}

func (j *CSVJournal) RecordEvent(e Event) error {
	e = Fill(e)
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.w.Write([]string{
		e.ID,
		e.Time.Format(time.RFC3339),
		e.Provider,
		string(e.Kind),
		e.Token,
		e.Ticket,
		e.Symbol,
		e.Reason,
		f(e.Profit),
	})
	if err != nil {
		return err
	}
	j.w.Flush()
	return j.w.Error()
}

func (j *CSVJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.w.Flush()
	if err := j.w.Error(); err != nil {
		j.f.Close()
		return err
	}
	return j.f.Close()
}

func f(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
