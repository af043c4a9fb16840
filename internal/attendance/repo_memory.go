package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps users and records in memory (dev/test use). It
// enforces the same uniqueness rules as the Postgres schema.
type MemoryRepository struct {
	mu         sync.RWMutex
	users      map[string]User
	byUsername map[string]string
	records    []Record
	marked     map[markKey]struct{}
}

type markKey struct {
	studentID string
	codeData  string
	day       string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:      make(map[string]User),
		byUsername: make(map[string]string),
		records:    make([]Record, 0),
		marked:     make(map[markKey]struct{}),
	}
}

func (r *MemoryRepository) CreateUser(_ context.Context, u User) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byUsername[u.Username]; taken {
		return User{}, ErrDuplicate
	}
	if _, taken := r.users[u.ID]; taken {
		return User{}, ErrDuplicate
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	r.users[u.ID] = u
	r.byUsername[u.Username] = u.ID
	return u, nil
}

func (r *MemoryRepository) UserByUsername(_ context.Context, username string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byUsername[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return r.users[id], nil
}

func (r *MemoryRepository) UserByID(_ context.Context, id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *MemoryRepository) InsertRecord(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := markKey{studentID: rec.StudentID, codeData: rec.CodeData, day: rec.Day}
	if _, ok := r.marked[key]; ok {
		return ErrDuplicate
	}
	r.marked[key] = struct{}{}
	r.records = append(r.records, rec)
	return nil
}

func (r *MemoryRepository) FindSince(_ context.Context, studentID, codeData string, since time.Time) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		found  Record
		exists bool
	)
	for _, rec := range r.records {
		if rec.StudentID != studentID || rec.CodeData != codeData || rec.Timestamp.Before(since) {
			continue
		}
		if !exists || rec.Timestamp.After(found.Timestamp) {
			found, exists = rec, true
		}
	}
	if !exists {
		return Record{}, ErrNotFound
	}
	return found, nil
}

func (r *MemoryRepository) ListByStudent(_ context.Context, studentID string) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Record, 0)
	for _, rec := range r.records {
		if rec.StudentID == studentID {
			result = append(result, rec)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result, nil
}
