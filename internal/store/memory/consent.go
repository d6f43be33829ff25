package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-automation/internal/consent"
)

type ConsentRepository struct {
	mu       sync.Mutex
	byAction map[uuid.UUID]*consent.Request
}

func NewConsentRepository() *ConsentRepository {
	return &ConsentRepository{byAction: make(map[uuid.UUID]*consent.Request)}
}

func (r *ConsentRepository) Upsert(_ context.Context, req *consent.Request) (*consent.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byAction[req.ActionID]; ok {
		existing.UpdatedAt = req.UpdatedAt
		c := *existing
		return &c, nil
	}
	c := *req
	r.byAction[req.ActionID] = &c
	out := c
	return &out, nil
}

func (r *ConsentRepository) GetByToken(_ context.Context, token string) (*consent.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, req := range r.byAction {
		if req.Token == token {
			c := *req
			return &c, nil
		}
	}
	return nil, consent.ErrRequestNotFound
}

var _ consent.Repository = (*ConsentRepository)(nil)
