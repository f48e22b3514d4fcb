package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/novivan/SD-big-HW-3/internal/domain/product"
)

var _ product.Repository = (*GoodsRepository)(nil)

// GoodsRepository is a read-mostly goods catalog.
type GoodsRepository struct {
	mu    sync.RWMutex
	goods map[string]product.Good
}

// NewGoodsRepository returns a catalog holding goods.
func NewGoodsRepository(goods ...product.Good) *GoodsRepository {
	r := &GoodsRepository{goods: make(map[string]product.Good, len(goods))}
	for _, g := range goods {
		r.goods[g.ID] = g
	}
	return r
}

// Put adds or replaces g.
func (r *GoodsRepository) Put(g product.Good) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.goods[g.ID] = g
}

// List returns all goods ordered by ID.
func (r *GoodsRepository) List(_ context.Context) ([]product.Good, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]product.Good, 0, len(r.goods))
	for _, g := range r.goods {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *GoodsRepository) GetByID(_ context.Context, id string) (*product.Good, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.goods[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &g, nil
}

func (r *GoodsRepository) GetByIDs(_ context.Context, ids []string) ([]product.Good, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(ids))
	var out []product.Good
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if g, ok := r.goods[id]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}
