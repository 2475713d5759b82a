package stock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/greenlot-erp/greenlot-erp/internal/ledger"
	"github.com/greenlot-erp/greenlot-erp/internal/shared"
)

type memStockRepo struct {
	aggregates  map[int64]Aggregate
	lots        map[int64]Lot
	adjustments map[int64]Adjustment
	entries     []ledger.Entry
	nextAdj     int64
}

func newMemStockRepo() *memStockRepo {
	return &memStockRepo{
		aggregates:  map[int64]Aggregate{},
		lots:        map[int64]Lot{},
		adjustments: map[int64]Adjustment{},
	}
}

func (m *memStockRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memStockRepo) GetAggregate(_ context.Context, productID int64) (Aggregate, error) {
	return m.aggregates[productID], nil
}

func (m *memStockRepo) ListAggregates(_ context.Context) ([]Aggregate, error) {
	aggregates := []Aggregate{}
	for _, agg := range m.aggregates {
		aggregates = append(aggregates, agg)
	}
	return aggregates, nil
}

func (m *memStockRepo) ListLots(_ context.Context, _ LotFilter) ([]Lot, error) {
	lots := []Lot{}
	for _, lot := range m.lots {
		lots = append(lots, lot)
	}
	return lots, nil
}

func (m *memStockRepo) ListAdjustments(_ context.Context, _ int64, _ int) ([]Adjustment, error) {
	adjustments := []Adjustment{}
	for _, adj := range m.adjustments {
		adjustments = append(adjustments, adj)
	}
	return adjustments, nil
}

func (m *memStockRepo) GetAggregateForUpdate(_ context.Context, productID int64) (Aggregate, error) {
	agg, ok := m.aggregates[productID]
	if !ok {
		agg = Aggregate{ProductID: productID}
		m.aggregates[productID] = agg
	}
	return agg, nil
}

func (m *memStockRepo) UpdateAggregate(_ context.Context, agg Aggregate) error {
	m.aggregates[agg.ProductID] = agg
	return nil
}

func (m *memStockRepo) WeightedLotCost(_ context.Context, productID int64) (float64, error) {
	var qty, value float64
	for _, lot := range m.lots {
		if lot.ProductID == productID && lot.Status == LotStatusAvailable {
			qty += lot.RemainingQty
			value += lot.RemainingQty * lot.UnitCost
		}
	}
	if qty == 0 {
		return 0, nil
	}
	return value / qty, nil
}

func (m *memStockRepo) InsertAdjustment(_ context.Context, adj Adjustment) (int64, error) {
	m.nextAdj++
	adj.ID = m.nextAdj
	m.adjustments[adj.ID] = adj
	return adj.ID, nil
}

func (m *memStockRepo) GetAdjustmentForUpdate(_ context.Context, id int64) (Adjustment, error) {
	adj, ok := m.adjustments[id]
	if !ok {
		return Adjustment{}, ErrAdjustmentNotFound
	}
	return adj, nil
}

func (m *memStockRepo) MarkAdjustmentCancelled(_ context.Context, id int64, at time.Time) error {
	adj := m.adjustments[id]
	adj.CancelledAt = &at
	m.adjustments[id] = adj
	return nil
}

func (m *memStockRepo) InsertEntry(_ context.Context, entry ledger.Entry) (int64, error) {
	entry.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, entry)
	return entry.ID, nil
}

type memIdempotency struct {
	keys map[string]bool
}

func (m *memIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	if m.keys == nil {
		m.keys = map[string]bool{}
	}
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memIdempotency) Delete(_ context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

func newTestService(repo *memStockRepo) (*Service, *memIdempotency) {
	idem := &memIdempotency{}
	s := NewService(repo, idem, nil)
	s.WithNow(func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) })
	return s, idem
}

func TestAdjustMovesAggregateAndValuesDelta(t *testing.T) {
	repo := newMemStockRepo()
	repo.aggregates[1] = Aggregate{ProductID: 1, Qty: 10, Weight: 5}
	repo.lots[1] = Lot{ID: 1, ProductID: 1, RemainingQty: 10, UnitCost: 2, Status: LotStatusAvailable}
	s, _ := newTestService(repo)

	adj, err := s.Adjust(context.Background(), AdjustInput{
		Code: "AUDIT-1", ProductID: 1, NewQuantity: 7, Reason: "cycle count", ActorID: 42,
	})
	require.NoError(t, err)
	require.Equal(t, 10.0, adj.PrevQty)
	require.Equal(t, 7.0, adj.NewQty)
	require.Equal(t, -6.0, adj.Value) // -3 units at weighted cost 2

	require.Equal(t, 7.0, repo.aggregates[1].Qty)
	require.Len(t, repo.entries, 1)
	entry := repo.entries[0]
	require.Equal(t, ledger.EntryTypeAdjust, entry.Type)
	require.Equal(t, -3.0, entry.Qty)
	require.Equal(t, 10.0, entry.BeforeQty)
	require.Equal(t, 7.0, entry.AfterQty)
}

func TestAdjustRequiresReason(t *testing.T) {
	repo := newMemStockRepo()
	s, _ := newTestService(repo)

	_, err := s.Adjust(context.Background(), AdjustInput{ProductID: 1, NewQuantity: 5})
	require.ErrorIs(t, err, ErrReasonRequired)
}

func TestAdjustDeduplicatesByCode(t *testing.T) {
	repo := newMemStockRepo()
	s, _ := newTestService(repo)

	input := AdjustInput{Code: "AUDIT-7", ProductID: 1, NewQuantity: 5, Reason: "recount"}
	_, err := s.Adjust(context.Background(), input)
	require.NoError(t, err)
	_, err = s.Adjust(context.Background(), input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
}

func TestCancelAdjustmentRestoresWeight(t *testing.T) {
	repo := newMemStockRepo()
	repo.aggregates[1] = Aggregate{ProductID: 1, Qty: 10, Weight: 20}
	s, _ := newTestService(repo)
	ctx := context.Background()

	adj, err := s.Adjust(ctx, AdjustInput{ProductID: 1, NewQuantity: 5, Reason: "recount"})
	require.NoError(t, err)
	// halving the quantity halves the carried weight
	require.Equal(t, -10.0, adj.WeightDelta)
	require.Equal(t, 10.0, repo.aggregates[1].Weight)

	require.NoError(t, s.CancelAdjustment(ctx, adj.ID, 42))
	require.Equal(t, 10.0, repo.aggregates[1].Qty)
	require.Equal(t, 20.0, repo.aggregates[1].Weight)

	// the compensating entry carries the weight back as well
	entry := repo.entries[len(repo.entries)-1]
	require.Equal(t, ledgerReasonAdjustCancel, entry.Reason)
	require.Equal(t, 10.0, entry.Weight)
}

func TestCancelAdjustmentAppliesInverseDelta(t *testing.T) {
	repo := newMemStockRepo()
	repo.aggregates[1] = Aggregate{ProductID: 1, Qty: 10}
	s, _ := newTestService(repo)
	ctx := context.Background()

	adj, err := s.Adjust(ctx, AdjustInput{ProductID: 1, NewQuantity: 7, Reason: "recount"})
	require.NoError(t, err)

	// a later movement shifts the aggregate before the cancellation lands
	agg := repo.aggregates[1]
	agg.Qty += 5
	repo.aggregates[1] = agg

	require.NoError(t, s.CancelAdjustment(ctx, adj.ID, 42))
	// inverse delta (+3) on the current value, not a restore of prev_qty
	require.Equal(t, 15.0, repo.aggregates[1].Qty)
	require.NotNil(t, repo.adjustments[adj.ID].CancelledAt)

	require.ErrorIs(t, s.CancelAdjustment(ctx, adj.ID, 42), ErrAdjustmentCancelled)
}
