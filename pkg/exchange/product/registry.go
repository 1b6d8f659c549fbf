package product

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages all tradable products in a thread-safe manner.
// Products are registered by the catalog layer and never mutated by the core
// except for status transitions.
type Registry struct {
	mu       sync.RWMutex
	products map[string]*Product // id -> product
}

func NewRegistry() *Registry {
	return &Registry{
		products: make(map[string]*Product),
	}
}

// Register adds a new product.
// Returns error if a product with the same ID already exists.
func (r *Registry) Register(p *Product) error {
	if p == nil {
		return fmt.Errorf("cannot register nil product")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.products[p.ID]; exists {
		return fmt.Errorf("product %s already registered", p.ID)
	}

	r.products[p.ID] = p
	return nil
}

// Get retrieves a product by ID.
func (r *Registry) Get(id string) (*Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.products[id]
	if !exists {
		return nil, fmt.Errorf("product %s not found", id)
	}
	return p, nil
}

// List returns all registered products sorted by ID.
// Sorted output keeps API responses and bundle leg ordering deterministic.
func (r *Registry) List() []*Product {
	r.mu.RLock()
	defer r.mu.RUnlock()

	products := make([]*Product, 0, len(r.products))
	for _, p := range r.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products
}

// UpdateStatus changes the trading status of a product.
func (r *Registry) UpdateStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.products[id]
	if !exists {
		return fmt.Errorf("product %s not found", id)
	}

	// Retired is terminal.
	if p.Status == Retired {
		return fmt.Errorf("cannot change status of retired product %s", id)
	}

	p.Status = status
	return nil
}

// Exists checks if a product is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.products[id]
	return exists
}

// Count returns the total number of registered products.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.products)
}
