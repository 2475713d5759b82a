package trade

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/greenlot-erp/greenlot-erp/internal/ledger"
	"github.com/greenlot-erp/greenlot-erp/internal/refdata"
	"github.com/greenlot-erp/greenlot-erp/internal/stock"
)

type memRepo struct {
	lines          map[uuid.UUID]Line
	aggregates     map[int64]stock.Aggregate
	lots           map[int64]stock.Lot
	matches        map[int64]stock.Match
	entries        []ledger.Entry
	transfersByLot map[int64]int

	nextLot   int64
	nextMatch int64
	nextEntry int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		lines:          map[uuid.UUID]Line{},
		aggregates:     map[int64]stock.Aggregate{},
		lots:           map[int64]stock.Lot{},
		matches:        map[int64]stock.Match{},
		transfersByLot: map[int64]int{},
	}
}

// WithTx snapshots state and restores it when fn fails, mirroring rollback.
func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snap := m.snapshot()
	if err := fn(ctx, m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memRepo) snapshot() *memRepo {
	snap := newMemRepo()
	for k, v := range m.lines {
		snap.lines[k] = v
	}
	for k, v := range m.aggregates {
		snap.aggregates[k] = v
	}
	for k, v := range m.lots {
		snap.lots[k] = v
	}
	for k, v := range m.matches {
		snap.matches[k] = v
	}
	for k, v := range m.transfersByLot {
		snap.transfersByLot[k] = v
	}
	snap.entries = append([]ledger.Entry{}, m.entries...)
	snap.nextLot, snap.nextMatch, snap.nextEntry = m.nextLot, m.nextMatch, m.nextEntry
	return snap
}

func (m *memRepo) restore(snap *memRepo) {
	m.lines, m.aggregates, m.lots = snap.lines, snap.aggregates, snap.lots
	m.matches, m.transfersByLot, m.entries = snap.matches, snap.transfersByLot, snap.entries
	m.nextLot, m.nextMatch, m.nextEntry = snap.nextLot, snap.nextMatch, snap.nextEntry
}

func (m *memRepo) InsertLine(_ context.Context, line Line) error {
	m.lines[line.ID] = line
	return nil
}

func (m *memRepo) GetLineForUpdate(_ context.Context, lineID uuid.UUID) (Line, error) {
	line, ok := m.lines[lineID]
	if !ok {
		return Line{}, ErrLineNotFound
	}
	return line, nil
}

func (m *memRepo) UpdateLine(_ context.Context, line Line) error {
	stored := m.lines[line.ID]
	line.ReversedAt = stored.ReversedAt
	m.lines[line.ID] = line
	return nil
}

func (m *memRepo) MarkLineReversed(_ context.Context, lineID uuid.UUID, at time.Time) error {
	line := m.lines[lineID]
	line.ReversedAt = &at
	m.lines[lineID] = line
	return nil
}

func (m *memRepo) GetAggregateForUpdate(_ context.Context, productID int64) (stock.Aggregate, error) {
	agg, ok := m.aggregates[productID]
	if !ok {
		agg = stock.Aggregate{ProductID: productID}
		m.aggregates[productID] = agg
	}
	return agg, nil
}

func (m *memRepo) UpdateAggregate(_ context.Context, agg stock.Aggregate) error {
	m.aggregates[agg.ProductID] = agg
	return nil
}

func (m *memRepo) GetLotForUpdate(_ context.Context, lotID int64) (stock.Lot, error) {
	lot, ok := m.lots[lotID]
	if !ok {
		return stock.Lot{}, stock.ErrLotNotFound
	}
	return lot, nil
}

func (m *memRepo) GetLotByLineForUpdate(_ context.Context, lineID uuid.UUID) (stock.Lot, error) {
	for _, lot := range m.lots {
		if lot.LineID == lineID {
			return lot, nil
		}
	}
	return stock.Lot{}, stock.ErrLotNotFound
}

func (m *memRepo) ListAvailableLotsForUpdate(_ context.Context, productID int64) ([]stock.Lot, error) {
	lots := []stock.Lot{}
	for _, lot := range m.lots {
		if lot.ProductID == productID && lot.Status == stock.LotStatusAvailable && lot.RemainingQty > 0 {
			lots = append(lots, lot)
		}
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].ID < lots[j].ID })
	return lots, nil
}

func (m *memRepo) InsertLot(_ context.Context, lot stock.Lot) (int64, error) {
	m.nextLot++
	lot.ID = m.nextLot
	m.lots[lot.ID] = lot
	return lot.ID, nil
}

func (m *memRepo) UpdateLot(_ context.Context, lot stock.Lot) error {
	m.lots[lot.ID] = lot
	return nil
}

func (m *memRepo) DeleteLot(_ context.Context, lotID int64) error {
	delete(m.lots, lotID)
	return nil
}

func (m *memRepo) InsertMatch(_ context.Context, match stock.Match) (int64, error) {
	m.nextMatch++
	match.ID = m.nextMatch
	m.matches[match.ID] = match
	return match.ID, nil
}

func (m *memRepo) ListMatchesByLine(_ context.Context, lineID uuid.UUID) ([]stock.Match, error) {
	matches := []stock.Match{}
	for _, match := range m.matches {
		if match.LineID == lineID {
			matches = append(matches, match)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches, nil
}

func (m *memRepo) ListMatchesByLot(_ context.Context, lotID int64) ([]stock.Match, error) {
	matches := []stock.Match{}
	for _, match := range m.matches {
		if match.LotID == lotID {
			matches = append(matches, match)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches, nil
}

func (m *memRepo) DeleteMatchesByLine(_ context.Context, lineID uuid.UUID) error {
	for id, match := range m.matches {
		if match.LineID == lineID {
			delete(m.matches, id)
		}
	}
	return nil
}

func (m *memRepo) DeleteMatch(_ context.Context, matchID int64) error {
	delete(m.matches, matchID)
	return nil
}

func (m *memRepo) UpdateMatch(_ context.Context, match stock.Match) error {
	m.matches[match.ID] = match
	return nil
}

func (m *memRepo) SumMatchedByLine(_ context.Context, lineID uuid.UUID) (float64, error) {
	var total float64
	for _, match := range m.matches {
		if match.LineID == lineID {
			total += match.Qty
		}
	}
	return total, nil
}

func (m *memRepo) CountActiveTransfersFromLot(_ context.Context, lotID int64) (int, error) {
	return m.transfersByLot[lotID], nil
}

func (m *memRepo) InsertEntry(_ context.Context, entry ledger.Entry) (int64, error) {
	m.nextEntry++
	entry.ID = m.nextEntry
	m.entries = append(m.entries, entry)
	return entry.ID, nil
}

func (m *memRepo) DeleteEntriesByLine(_ context.Context, lineID uuid.UUID) error {
	kept := m.entries[:0]
	for _, entry := range m.entries {
		if entry.LineID != lineID {
			kept = append(kept, entry)
		}
	}
	m.entries = kept
	return nil
}

type memRefData struct {
	products map[int64]refdata.Product
}

func (m *memRefData) GetProduct(_ context.Context, id int64) (refdata.Product, error) {
	product, ok := m.products[id]
	if !ok {
		return refdata.Product{}, refdata.ErrProductNotFound
	}
	return product, nil
}

func newTestProcessor(t *testing.T, repo *memRepo, cfg ProcessorConfig) *Processor {
	t.Helper()
	ref := &memRefData{products: map[int64]refdata.Product{
		1: {ID: 1, Name: "Cavendish Banana", UnitWeight: 0.5},
		2: {ID: 2, Name: "Hass Avocado", UnitWeight: 0.2},
	}}
	p := NewProcessor(repo, ref, nil, nil, cfg)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p.WithNow(func() time.Time { return base })
	return p
}

func purchaseLine(product int64, qty, cost float64, day int) Line {
	return Line{
		ID:         uuid.New(),
		Kind:       LineKindPurchase,
		ProductID:  product,
		Quantity:   qty,
		UnitCost:   cost,
		Origin:     "FarmFresh Co.",
		OccurredAt: time.Date(2026, 3, day, 8, 0, 0, 0, time.UTC),
	}
}

func saleLine(product int64, qty float64, day int) Line {
	return Line{
		ID:         uuid.New(),
		Kind:       LineKindSale,
		ProductID:  product,
		Quantity:   qty,
		UnitCost:   3,
		Origin:     "Metro Grocers",
		OccurredAt: time.Date(2026, 3, day, 14, 0, 0, 0, time.UTC),
	}
}

func TestApplyPurchaseCreatesLotAndEntry(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(t, repo, ProcessorConfig{})

	line := purchaseLine(1, 10, 2.5, 1)
	require.NoError(t, p.Apply(context.Background(), line))

	require.Len(t, repo.lots, 1)
	lot := repo.lots[1]
	require.Equal(t, 10.0, lot.RemainingQty)
	require.Equal(t, 2.5, lot.UnitCost)
	require.Equal(t, stock.LotStatusAvailable, lot.Status)
	require.Equal(t, 5.0, lot.Weight) // derived from unit weight

	require.Equal(t, 10.0, repo.aggregates[1].Qty)
	require.Len(t, repo.entries, 1)
	entry := repo.entries[0]
	require.Equal(t, ledger.EntryTypeIn, entry.Type)
	require.Equal(t, 0.0, entry.BeforeQty)
	require.Equal(t, 10.0, entry.AfterQty)
}

func TestSaleMatchesOldestLotsFirst(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(t, repo, ProcessorConfig{})
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, purchaseLine(1, 3, 2, 2)))
	require.NoError(t, p.Apply(ctx, purchaseLine(1, 5, 4, 1)))

	sale := saleLine(1, 4, 3)
	require.NoError(t, p.Apply(ctx, sale))

	matches, err := repo.ListMatchesByLine(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	// lot 2 received on day 1 drains first despite its higher id
	require.Equal(t, int64(2), matches[0].LotID)
	require.Equal(t, 4.0, matches[0].Qty+matches[1].Qty)
	require.Equal(t, 5.0, matches[0].Qty+repo.lots[2].RemainingQty)
	require.Equal(t, stock.LotStatusDepleted, repo.lots[2].Status)
	require.Equal(t, 4.0, repo.aggregates[1].Qty)
}

func TestSaleOversellLeavesRemainderUnmatched(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(t, repo, ProcessorConfig{})
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, purchaseLine(1, 10, 2, 1)))
	sale := saleLine(1, 15, 2)
	require.NoError(t, p.Apply(ctx, sale))

	require.Equal(t, -5.0, repo.aggregates[1].Qty)
	matched, err := repo.SumMatchedByLine(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, 10.0, matched)
}

func TestReverseWithPruningRestoresExactState(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(t, repo, ProcessorConfig{PruneReversedHistory: true})
	ctx := context.Background()

	line := purchaseLine(1, 10, 2, 1)
	require.NoError(t, p.Apply(ctx, line))
	require.NoError(t, p.Reverse(ctx, line.ID))

	require.Empty(t, repo.lots)
	require.Empty(t, repo.entries)
	require.Equal(t, 0.0, repo.aggregates[1].Qty)
	require.NotNil(t, repo.lines[line.ID].ReversedAt)
}

func TestReverseSaleAppendsCompensatingEntry(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(t, repo, ProcessorConfig{})
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, purchaseLine(1, 10, 2, 1)))
	sale := saleLine(1, 4, 2)
	require.NoError(t, p.Apply(ctx, sale))
	require.NoError(t, p.Reverse(ctx, sale.ID))

	require.Equal(t, 10.0, repo.aggregates[1].Qty)
	require.Equal(t, 10.0, repo.lots[1].RemainingQty)
	matched, err := repo.SumMatchedByLine(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, 0.0, matched)

	require.Len(t, repo.entries, 3)
	last := repo.entries[2]
	require.Equal(t, ledger.EntryTypeIn, last.Type)
	require.Equal(t, ledger.ReasonReverse, last.Reason)
	require.Equal(t, 4.0, last.Qty)
}

func TestReverseTwiceFails(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(t, repo, ProcessorConfig{})
	ctx := context.Background()

	line := purchaseLine(1, 10, 2, 1)
	require.NoError(t, p.Apply(ctx, line))
	require.NoError(t, p.Reverse(ctx, line.ID))
	require.ErrorIs(t, p.Reverse(ctx, line.ID), ErrLineReversed)
}

func TestReversePurchaseLockedByDownstreamSale(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(t, repo, ProcessorConfig{})
	ctx := context.Background()

	purchase := purchaseLine(1, 10, 2, 1)
	require.NoError(t, p.Apply(ctx, purchase))
	sale := saleLine(1, 4, 2)
	require.NoError(t, p.Apply(ctx, sale))

	err := p.Reverse(ctx, purchase.ID)
	require.ErrorIs(t, err, ErrLineLocked)
	// rollback left everything in place
	require.Equal(t, 6.0, repo.aggregates[1].Qty)
	require.Equal(t, 6.0, repo.lots[1].RemainingQty)
	require.Nil(t, repo.lines[purchase.ID].ReversedAt)

	// reversing the sale first unlocks the purchase
	require.NoError(t, p.Reverse(ctx, sale.ID))
	require.NoError(t, p.Reverse(ctx, purchase.ID))
	require.Empty(t, repo.lots)
	require.Equal(t, 0.0, repo.aggregates[1].Qty)
}

func TestReversePurchaseLockedByTransfer(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(t, repo, ProcessorConfig{})
	ctx := context.Background()

	purchase := purchaseLine(1, 10, 2, 1)
	require.NoError(t, p.Apply(ctx, purchase))
	repo.transfersByLot[1] = 1

	require.ErrorIs(t, p.Reverse(ctx, purchase.ID), ErrLineLocked)
}

func TestAmendMetadataOnlySkipsLedger(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(t, repo, ProcessorConfig{})
	ctx := context.Background()

	line := purchaseLine(1, 10, 2, 1)
	require.NoError(t, p.Apply(ctx, line))
	entriesBefore := len(repo.entries)

	edited := line
	edited.Origin = "FarmFresh Co. (renamed)"
	require.NoError(t, p.Amend(ctx, edited))

	require.Len(t, repo.entries, entriesBefore)
	require.Equal(t, "FarmFresh Co. (renamed)", repo.lines[line.ID].Origin)
}

func TestAmendSaleIncreaseMatchesDeltaOnly(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(t, repo, ProcessorConfig{})
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, purchaseLine(1, 10, 2, 1)))
	sale := saleLine(1, 4, 2)
	require.NoError(t, p.Apply(ctx, sale))

	require.NoError(t, p.Apply(ctx, purchaseLine(1, 10, 6, 3)))

	edited := sale
	edited.Quantity = 6
	require.NoError(t, p.Amend(ctx, edited))

	matches, err := repo.ListMatchesByLine(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	// the original match survives untouched; only the delta was allocated
	require.Equal(t, 4.0, matches[0].Qty)
	require.Equal(t, 2.0, matches[1].Qty)
	require.Equal(t, int64(1), matches[1].LotID)
	require.Equal(t, 2.0, matches[1].UnitCost)

	reasons := []string{}
	for _, entry := range repo.entries {
		if entry.Reason != "" {
			reasons = append(reasons, entry.Reason)
		}
	}
	require.Equal(t, []string{ledger.ReasonUpdateReverse, ledger.ReasonUpdateApply}, reasons)
	require.Equal(t, 14.0, repo.aggregates[1].Qty)
}

func TestAmendSaleDecreaseUnwindsNewestMatches(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(t, repo, ProcessorConfig{})
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, purchaseLine(1, 3, 2, 1)))
	require.NoError(t, p.Apply(ctx, purchaseLine(1, 5, 4, 2)))
	sale := saleLine(1, 6, 3)
	require.NoError(t, p.Apply(ctx, sale))

	edited := sale
	edited.Quantity = 4
	require.NoError(t, p.Amend(ctx, edited))

	matches, err := repo.ListMatchesByLine(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, 3.0, matches[0].Qty) // oldest allocation untouched
	require.Equal(t, 1.0, matches[1].Qty)
	require.Equal(t, 4.0, repo.lots[2].RemainingQty)
	require.Equal(t, 4.0, repo.aggregates[1].Qty)
}

func TestAmendProductChangeReversesAndReapplies(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(t, repo, ProcessorConfig{})
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, purchaseLine(1, 10, 2, 1)))
	sale := saleLine(1, 4, 2)
	require.NoError(t, p.Apply(ctx, sale))

	edited := sale
	edited.ProductID = 2
	require.NoError(t, p.Amend(ctx, edited))

	require.Equal(t, 10.0, repo.aggregates[1].Qty)
	require.Equal(t, -4.0, repo.aggregates[2].Qty)
	require.Equal(t, 10.0, repo.lots[1].RemainingQty)
}

func TestVendorReturnDecrementsParentLot(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(t, repo, ProcessorConfig{})
	ctx := context.Background()

	purchase := purchaseLine(1, 10, 2, 1)
	require.NoError(t, p.Apply(ctx, purchase))

	ret := Line{
		ID:           uuid.New(),
		Kind:         LineKindPurchase,
		ProductID:    1,
		Quantity:     -3,
		UnitCost:     2,
		ParentLineID: purchase.ID,
		OccurredAt:   time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Apply(ctx, ret))
	require.Equal(t, 7.0, repo.lots[1].RemainingQty)
	require.Equal(t, 7.0, repo.aggregates[1].Qty)

	over := ret
	over.ID = uuid.New()
	over.Quantity = -8
	require.ErrorIs(t, p.Apply(ctx, over), ErrInsufficientStock)

	require.NoError(t, p.Reverse(ctx, ret.ID))
	require.Equal(t, 10.0, repo.lots[1].RemainingQty)
	require.Equal(t, 10.0, repo.aggregates[1].Qty)
}

func TestProductionOutputAndConsume(t *testing.T) {
	repo := newMemRepo()
	p := newTestProcessor(t, repo, ProcessorConfig{})
	ctx := context.Background()

	output := Line{
		ID:         uuid.New(),
		Kind:       LineKindProduction,
		ProductID:  1,
		Quantity:   8,
		UnitCost:   1.5,
		OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Apply(ctx, output))
	require.Equal(t, DirectionOutput, repo.lines[output.ID].Direction)
	require.Equal(t, 8.0, repo.aggregates[1].Qty)
	require.Len(t, repo.lots, 1)

	// legacy negative quantity normalises to CONSUME
	consume := Line{
		ID:         uuid.New(),
		Kind:       LineKindProduction,
		ProductID:  1,
		Quantity:   -5,
		OccurredAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Apply(ctx, consume))
	require.Equal(t, DirectionConsume, repo.lines[consume.ID].Direction)
	require.Equal(t, 3.0, repo.aggregates[1].Qty)
	require.Equal(t, 3.0, repo.lots[1].RemainingQty)

	tooMuch := Line{
		ID:         uuid.New(),
		Kind:       LineKindProduction,
		ProductID:  1,
		Direction:  DirectionConsume,
		Quantity:   5,
		OccurredAt: time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC),
	}
	require.ErrorIs(t, p.Apply(ctx, tooMuch), ErrInsufficientStock)
	require.Equal(t, 3.0, repo.aggregates[1].Qty)
}
