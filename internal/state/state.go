package state

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

type Position struct {
	Direction  string    `json:"direction"`
	Instrument string    `json:"instrument"`
	Contracts  int       `json:"contracts"`
	EntryPrice float64   `json:"entry_price"`
	FillPrice  float64   `json:"fill_price"`
	EntryTime  time.Time `json:"entry_time"`

	PartialRealized float64 `json:"partial_realized,omitempty"`
	Unpriced        bool    `json:"unpriced,omitempty"`
}

type OpenOrder struct {
	ClientOrderID string  `json:"client_order_id"`
	OrderID       string  `json:"order_id"`
	Status        string  `json:"status"`
	Purpose       string  `json:"purpose"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           int     `json:"qty"`
	Direction     string  `json:"direction,omitempty"`
	RefPrice      float64 `json:"ref_price,omitempty"`
}

// Snapshot is the persisted view of one instance's trading day.
type Snapshot struct {
	Instance    string     `json:"instance"`
	Date        string     `json:"date"`
	Bias        string     `json:"bias"`
	Phase       string     `json:"phase"`
	TradeTaken  bool       `json:"trade_taken"`
	Halted      bool       `json:"halted"`
	ExitReason  string     `json:"exit_reason,omitempty"`
	Position    *Position  `json:"position,omitempty"`
	OpenOrder   *OpenOrder `json:"open_order,omitempty"`
	LastBarTime time.Time  `json:"last_bar_time"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Store struct {
	mu       sync.RWMutex
	snapshot Snapshot
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := s.snapshot
	if s.snapshot.Position != nil {
		pos := *s.snapshot.Position
		snapshot.Position = &pos
	}
	if s.snapshot.OpenOrder != nil {
		order := *s.snapshot.OpenOrder
		snapshot.OpenOrder = &order
	}
	return snapshot
}

func (s *Store) Replace(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
}

// Save writes the snapshot through a temp file so a crash never leaves a
// truncated checkpoint behind.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.snapshot, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
	return nil
}
