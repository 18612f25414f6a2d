package records

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is the persisted state of one relay request.
type Record struct {
	ID                string    `json:"id"`
	Key               string    `json:"key"`
	BurnTxHash        string    `json:"burnTxHash"`
	Version           string    `json:"version"`
	SourceDomain      uint32    `json:"sourceDomain"`
	DestinationDomain uint32    `json:"destinationDomain"`
	State             string    `json:"state"`
	MessageHash       string    `json:"messageHash,omitempty"`
	Nonce             string    `json:"nonce,omitempty"`
	Amount            string    `json:"amount,omitempty"`
	MintTxHash        string    `json:"mintTxHash,omitempty"`
	Attempts          int       `json:"attempts"`
	Error             string    `json:"error,omitempty"`
	Retryable         bool      `json:"retryable"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// States a relay does not leave once reached.
const (
	StateMinted         = "minted"
	StateAlreadyRelayed = "already_relayed"
	StateFailed         = "failed"
)

// Replaceable reports whether a new claim may take over r: it expired, failed with
// a retryable error, or sat in a non-terminal state without an update for longer
// than staleAfter. A zero staleAfter never treats running relays as abandoned.
func (r Record) Replaceable(now time.Time, staleAfter time.Duration) bool {
	if r.Expired(now) {
		return true
	}
	switch r.State {
	case StateFailed:
		return r.Retryable
	case StateMinted, StateAlreadyRelayed:
		return false
	}
	return staleAfter > 0 && now.Sub(r.UpdatedAt) > staleAfter
}

// takeOver returns record stamped with the identity of the live record it replaces.
func takeOver(record Record, previous *Record, now time.Time) Record {
	if previous == nil || previous.Expired(now) {
		return record
	}
	record.ID = previous.ID
	record.CreatedAt = previous.CreatedAt
	return record
}

// Store abstracts relay record persistence. Get returns nil for unknown or expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, record Record) error
	// Claim stores record unless a live record with the same key exists that is not
	// Replaceable, in which case that record is returned and created is false. When
	// a live record is replaced it is returned as previous, and the stored record
	// keeps its ID and CreatedAt. The check and the write are atomic.
	Claim(ctx context.Context, record Record, staleAfter time.Duration) (previous *Record, created bool, err error)
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok || rec.Expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, record Record) error {
	if record.Key == "" {
		return errors.New("record key is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[record.Key] = record
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, record Record, staleAfter time.Duration) (*Record, bool, error) {
	if record.Key == "" {
		return nil, false, errors.New("record key is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	previous, ok := claimLocked(m.data, record, staleAfter)
	if !ok {
		return previous, false, nil
	}
	m.data[record.Key] = takeOver(record, previous, time.Now())
	return previous, true, nil
}

// claimLocked decides a claim against data. ok is false when a live record blocks it.
func claimLocked(data map[string]Record, record Record, staleAfter time.Duration) (*Record, bool) {
	existing, found := data[record.Key]
	if !found {
		return nil, true
	}
	now := time.Now()
	if existing.Expired(now) {
		return nil, true
	}
	return &existing, existing.Replaceable(now, staleAfter)
}

// FileStore persists records to a single JSON file. Suitable for a single local relayer.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if record.Expired(time.Now()) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, record Record) error {
	if record.Key == "" {
		return errors.New("record key is empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[record.Key] = record
	return f.persist()
}

func (f *FileStore) Claim(_ context.Context, record Record, staleAfter time.Duration) (*Record, bool, error) {
	if record.Key == "" {
		return nil, false, errors.New("record key is empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	previous, ok := claimLocked(f.data, record, staleAfter)
	if !ok {
		return previous, false, nil
	}
	old, had := f.data[record.Key]
	f.data[record.Key] = takeOver(record, previous, time.Now())
	if err := f.persist(); err != nil {
		if had {
			f.data[record.Key] = old
		} else {
			delete(f.data, record.Key)
		}
		return nil, false, err
	}
	return previous, true, nil
}
