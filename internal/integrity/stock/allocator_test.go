package stock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/agromarket/internal/model"
	"github.com/mmeshcher/agromarket/internal/repository"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type countingRecorder struct {
	mu sync.Mutex
	n  int
}

func (r *countingRecorder) IncInsufficientStock() {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
}

func seedLots(t *testing.T, repo *repository.MemoryRepository, productID int64, category string, amounts ...string) []int64 {
	t.Helper()

	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	ids := make([]int64, 0, len(amounts))
	for i, a := range amounts {
		id, err := repo.CreateLot(context.Background(), model.StockLot{
			ProductID: productID,
			Category:  category,
			MemberID:  int64(100 + i),
			Remaining: dec(a),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func remaining(t *testing.T, repo *repository.MemoryRepository, ids []int64) []string {
	t.Helper()

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		lot, ok := repo.Lot(id)
		require.True(t, ok)
		out = append(out, lot.Remaining.String())
	}
	return out
}

func TestPlan(t *testing.T) {
	lots := []model.StockLot{
		{ID: 1, Remaining: dec("5")},
		{ID: 2, Remaining: dec("5")},
		{ID: 3, Remaining: dec("5")},
	}

	type want struct {
		lotIDs    []int64
		remaining []string
		err       bool
	}

	tests := []struct {
		name string
		need string
		want want
	}{
		{
			name: "spans two lots oldest first",
			need: "7",
			want: want{lotIDs: []int64{1, 2}, remaining: []string{"0", "3"}},
		},
		{
			name: "exact single lot",
			need: "5",
			want: want{lotIDs: []int64{1}, remaining: []string{"0"}},
		},
		{
			name: "fractional quantity",
			need: "0.25",
			want: want{lotIDs: []int64{1}, remaining: []string{"4.75"}},
		},
		{
			name: "whole stock",
			need: "15",
			want: want{lotIDs: []int64{1, 2, 3}, remaining: []string{"0", "0", "0"}},
		},
		{
			name: "more than available",
			need: "15.001",
			want: want{err: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deductions, err := Plan(lots, dec(tt.need))
			if tt.want.err {
				var insufficient *InsufficientStockError
				require.ErrorAs(t, err, &insufficient)
				assert.True(t, insufficient.Available.Equal(dec("15")))
				assert.Empty(t, deductions)
				return
			}
			require.NoError(t, err)

			var ids []int64
			var rem []string
			for _, d := range deductions {
				ids = append(ids, d.LotID)
				rem = append(rem, d.Remaining.String())
			}
			assert.Equal(t, tt.want.lotIDs, ids)
			assert.Equal(t, tt.want.remaining, rem)
		})
	}
}

func TestPlan_CarriesLotPrice(t *testing.T) {
	lots := []model.StockLot{
		{ID: 1, Remaining: dec("3"), UnitPrice: dec("10")},
		{ID: 2, Remaining: dec("5"), UnitPrice: dec("20.50")},
	}

	deductions, err := Plan(lots, dec("4"))
	require.NoError(t, err)
	require.Len(t, deductions, 2)
	assert.Equal(t, "10", deductions[0].UnitPrice.String())
	assert.Equal(t, "20.5", deductions[1].UnitPrice.String())

	alloc := &Allocation{Deductions: deductions}
	assert.Equal(t, "50.50", alloc.Total().StringFixed(2))
}

func TestPlan_RejectsNonPositive(t *testing.T) {
	_, err := Plan([]model.StockLot{{ID: 1, Remaining: dec("5")}}, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestCheckout_FIFO(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ids := seedLots(t, repo, 1, "vegetables", "5", "5", "5")
	a := NewAllocator(repo, nil)

	alloc, err := a.Checkout(context.Background(), 42, []Line{{ProductID: 1, Category: "vegetables", Quantity: dec("7")}})
	require.NoError(t, err)
	require.Len(t, alloc.Deductions, 2)
	assert.Equal(t, int64(100), alloc.Deductions[0].MemberID)
	assert.Equal(t, int64(101), alloc.Deductions[1].MemberID)

	assert.Equal(t, []string{"0", "3", "5"}, remaining(t, repo, ids))
}

func TestCheckout_AllOrNothing(t *testing.T) {
	repo := repository.NewMemoryRepository()
	apples := seedLots(t, repo, 1, "fruits", "10")
	pears := seedLots(t, repo, 2, "fruits", "1")

	_, err := repo.AddCartItem(context.Background(), model.CartItem{
		UserID: 42, ProductID: 1, Category: "fruits", Quantity: dec("4"), UnitPrice: dec("2"),
	})
	require.NoError(t, err)

	rec := &countingRecorder{}
	a := NewAllocator(repo, rec)

	_, err = a.Checkout(context.Background(), 42, []Line{
		{ProductID: 1, Category: "fruits", Quantity: dec("4")},
		{ProductID: 2, Category: "fruits", Quantity: dec("3")},
	})

	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(2), insufficient.ProductID)
	assert.Equal(t, "fruits", insufficient.Category)
	assert.True(t, insufficient.Available.Equal(dec("1")))
	assert.Equal(t, 1, rec.n)

	assert.Equal(t, []string{"10"}, remaining(t, repo, apples))
	assert.Equal(t, []string{"1"}, remaining(t, repo, pears))

	cart, err := repo.ListCart(context.Background(), 42)
	require.NoError(t, err)
	assert.Len(t, cart, 1)
}

func TestCheckout_MergesDuplicateLines(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ids := seedLots(t, repo, 1, "grains", "10")
	a := NewAllocator(repo, nil)

	_, err := a.Checkout(context.Background(), 1, []Line{
		{ProductID: 1, Category: "grains", Quantity: dec("3")},
		{ProductID: 1, Category: "grains", Quantity: dec("4")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, remaining(t, repo, ids))
}

func TestCheckout_CategoryIsPartOfKey(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedLots(t, repo, 1, "organic", "10")
	a := NewAllocator(repo, nil)

	_, err := a.Checkout(context.Background(), 1, []Line{{ProductID: 1, Category: "regular", Quantity: dec("1")}})
	var insufficient *InsufficientStockError
	assert.ErrorAs(t, err, &insufficient)
}

func TestCheckout_InvalidInput(t *testing.T) {
	repo := repository.NewMemoryRepository()
	a := NewAllocator(repo, nil)

	_, err := a.Checkout(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrEmptyCheckout)

	_, err = a.Checkout(context.Background(), 1, []Line{{ProductID: 1, Category: "x", Quantity: dec("-1")}})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestCheckout_ConcurrentNoOversell(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ids := seedLots(t, repo, 1, "dairy", "4", "3", "3")
	a := NewAllocator(repo, nil)

	const buyers = 25
	var (
		mu        sync.Mutex
		succeeded int
	)

	var g errgroup.Group
	for i := 0; i < buyers; i++ {
		customer := int64(i + 1)
		g.Go(func() error {
			_, err := a.Checkout(context.Background(), customer, []Line{{ProductID: 1, Category: "dairy", Quantity: dec("1")}})
			var insufficient *InsufficientStockError
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
				return nil
			case errors.As(err, &insufficient):
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, []string{"0", "0", "0"}, remaining(t, repo, ids))
}
