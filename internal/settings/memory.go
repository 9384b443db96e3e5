package settings

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the server configuration in process memory. Suitable for
// development and tests; the configuration is lost on restart.
type MemoryStore struct {
	mu  sync.RWMutex
	rec *Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Resolve(_ context.Context) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.rec == nil {
		return nil, ErrNotConfigured
	}
	cp := *s.rec
	return &cp, nil
}

func (s *MemoryStore) Upsert(_ context.Context, cfg ServerConfig) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if s.rec == nil {
		s.rec = &Record{
			ID:        newConfigID(),
			Endpoint:  cfg.Endpoint,
			APIKey:    cfg.APIKey,
			CreatedAt: now,
		}
	} else {
		s.rec.Endpoint = cfg.Endpoint
		s.rec.APIKey = cfg.APIKey
		s.rec.UpdatedAt = &now
	}

	cp := *s.rec
	return &cp, nil
}

// newConfigID mirrors the config_<hex> id shape used by the admin UI.
func newConfigID() string {
	id := uuid.New().String()
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		if id[i] != '-' {
			out = append(out, id[i])
		}
	}
	return "config_" + string(out)
}
