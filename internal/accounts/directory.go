// Package accounts is the account lookup collaborator: role, standing and
// vehicle profile of passengers and drivers.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("account not found")

type Account struct {
	ID         string             `json:"id"`
	Role       models.Role        `json:"role"`
	Suspended  bool               `json:"suspended"`
	Vehicle    models.VehicleType `json:"vehicle,omitempty"`
	Capacity   int                `json:"capacity,omitempty"`
	CustomerID string             `json:"customer_id,omitempty"` // payment provider customer
}

type Directory interface {
	Lookup(ctx context.Context, id string) (Account, error)
}

// MemoryDirectory is a Directory fed by Put, used for local runs and tests.
type MemoryDirectory struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemoryDirectory(accts ...Account) *MemoryDirectory {
	d := &MemoryDirectory{accounts: make(map[string]Account)}
	for _, a := range accts {
		d.Put(a)
	}
	return d
}

func (d *MemoryDirectory) Put(a Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[a.ID] = a
}

func (d *MemoryDirectory) Lookup(_ context.Context, id string) (Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

// LoadFile seeds a MemoryDirectory from a JSON array of accounts.
func LoadFile(path string) (*MemoryDirectory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var accts []Account
	if err := json.Unmarshal(b, &accts); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, a := range accts {
		if a.ID == "" {
			return nil, fmt.Errorf("parse %s: account without id", path)
		}
	}
	return NewMemoryDirectory(accts...), nil
}
