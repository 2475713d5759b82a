package settlement

import (
	"context"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type memSettlementRepo struct {
	closings    map[int64]PeriodClosing
	nextID      int64
	stockValue  float64
	purchases   float64
	bookkeeping float64
	adjustments float64
}

func newMemSettlementRepo() *memSettlementRepo {
	return &memSettlementRepo{closings: map[int64]PeriodClosing{}}
}

func (m *memSettlementRepo) LatestClosing(_ context.Context) (PeriodClosing, bool, error) {
	if len(m.closings) == 0 {
		return PeriodClosing{}, false, nil
	}
	closings := []PeriodClosing{}
	for _, closing := range m.closings {
		closings = append(closings, closing)
	}
	sort.Slice(closings, func(i, j int) bool { return closings[i].ID > closings[j].ID })
	return closings[0], true, nil
}

func (m *memSettlementRepo) GetClosing(_ context.Context, id int64) (PeriodClosing, error) {
	closing, ok := m.closings[id]
	if !ok {
		return PeriodClosing{}, ErrClosingNotFound
	}
	return closing, nil
}

func (m *memSettlementRepo) ListClosings(_ context.Context, _ int) ([]PeriodClosing, error) {
	closings := []PeriodClosing{}
	for _, closing := range m.closings {
		closings = append(closings, closing)
	}
	return closings, nil
}

func (m *memSettlementRepo) InsertClosing(_ context.Context, closing PeriodClosing) (int64, error) {
	m.nextID++
	closing.ID = m.nextID
	m.closings[closing.ID] = closing
	return closing.ID, nil
}

func (m *memSettlementRepo) DeleteClosing(_ context.Context, id int64) error {
	delete(m.closings, id)
	return nil
}

func (m *memSettlementRepo) StockValue(_ context.Context) (float64, error) {
	return m.stockValue, nil
}

func (m *memSettlementRepo) PurchasesValue(_ context.Context, _, _ time.Time) (float64, error) {
	return m.purchases, nil
}

func (m *memSettlementRepo) BookkeepingCOGS(_ context.Context, _, _ time.Time) (float64, error) {
	return m.bookkeeping, nil
}

func (m *memSettlementRepo) AdjustmentsValue(_ context.Context, _, _ time.Time) (float64, error) {
	return m.adjustments, nil
}

type memCashLedger struct {
	totals CashTotals
}

func (m *memCashLedger) Totals(_ context.Context, _, _ time.Time) (CashTotals, error) {
	return m.totals, nil
}

func newSettlementService(t *testing.T, repo *memSettlementRepo) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewService(slog.Default(), repo, nil, rdb, nil, nil, ServiceConfig{VarianceTolerance: 0.01})
	s.WithNow(func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC) })
	return s, mr
}

func day(d int) time.Time {
	return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC)
}

func TestCloseDerivesCOGSFromInventoryEquation(t *testing.T) {
	repo := newMemSettlementRepo()
	repo.stockValue = 40
	repo.purchases = 100
	repo.adjustments = -10
	repo.bookkeeping = 50
	s, _ := newSettlementService(t, repo)

	closing, err := s.Close(context.Background(), CloseInput{PeriodStart: day(1), PeriodEnd: day(31)})
	require.NoError(t, err)

	// 0 + 100 - 10 - 40
	require.Equal(t, 50.0, closing.DerivedCOGS)
	require.Equal(t, 50.0, closing.BookkeepingCOGS)
	require.Equal(t, 0.0, closing.Variance)
	require.False(t, closing.VarianceWarning)
}

func TestCloseFlagsVarianceButSucceeds(t *testing.T) {
	repo := newMemSettlementRepo()
	repo.stockValue = 40
	repo.purchases = 100
	repo.bookkeeping = 45
	s, _ := newSettlementService(t, repo)

	closing, err := s.Close(context.Background(), CloseInput{PeriodStart: day(1), PeriodEnd: day(31)})
	require.NoError(t, err)
	require.Equal(t, 60.0, closing.DerivedCOGS)
	require.Equal(t, 15.0, closing.Variance)
	require.True(t, closing.VarianceWarning)
	// the closing still exists despite the warning
	require.Len(t, repo.closings, 1)
}

func TestClosePersistsCashSnapshot(t *testing.T) {
	repo := newMemSettlementRepo()
	repo.stockValue = 40
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cash := &memCashLedger{totals: CashTotals{Inflow: 300, Outflow: 120}}
	s := NewService(slog.Default(), repo, cash, rdb, nil, nil, ServiceConfig{VarianceTolerance: 0.01})
	s.WithNow(func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC) })

	closing, err := s.Close(context.Background(), CloseInput{
		PeriodStart: day(1),
		PeriodEnd:   day(31),
		ActualCash:  177.5,
		Note:        "march count, till 2 short",
	})
	require.NoError(t, err)

	require.Equal(t, 300.0, closing.CashInflow)
	require.Equal(t, 120.0, closing.CashOutflow)
	require.Equal(t, 177.5, closing.ActualCash)
	require.Equal(t, "march count, till 2 short", closing.Note)

	stored := repo.closings[closing.ID]
	require.Equal(t, 300.0, stored.CashInflow)
	require.Equal(t, 177.5, stored.ActualCash)
	require.Equal(t, "march count, till 2 short", stored.Note)
}

func TestCloseEnforcesPeriodChain(t *testing.T) {
	repo := newMemSettlementRepo()
	repo.stockValue = 10
	s, _ := newSettlementService(t, repo)
	ctx := context.Background()

	first, err := s.Close(ctx, CloseInput{PeriodStart: day(1), PeriodEnd: day(31)})
	require.NoError(t, err)

	// gap of one day
	_, err = s.Close(ctx, CloseInput{PeriodStart: time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC), PeriodEnd: time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)})
	require.ErrorIs(t, err, ErrPeriodSequence)

	// overlapping restart
	_, err = s.Close(ctx, CloseInput{PeriodStart: day(15), PeriodEnd: time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)})
	require.ErrorIs(t, err, ErrPeriodSequence)

	second, err := s.Close(ctx, CloseInput{PeriodStart: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), PeriodEnd: time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Equal(t, first.ClosingValue, second.OpeningValue)
}

func TestCloseRejectsInvertedPeriod(t *testing.T) {
	repo := newMemSettlementRepo()
	s, _ := newSettlementService(t, repo)

	_, err := s.Close(context.Background(), CloseInput{PeriodStart: day(31), PeriodEnd: day(1)})
	require.ErrorIs(t, err, ErrPeriodOrder)
}

func TestUndoOnlyLatestClosing(t *testing.T) {
	repo := newMemSettlementRepo()
	repo.stockValue = 10
	s, _ := newSettlementService(t, repo)
	ctx := context.Background()

	first, err := s.Close(ctx, CloseInput{PeriodStart: day(1), PeriodEnd: day(31)})
	require.NoError(t, err)
	second, err := s.Close(ctx, CloseInput{PeriodStart: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), PeriodEnd: time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	require.ErrorIs(t, s.UndoClosing(ctx, first.ID, 1), ErrNotLatestClosing)
	require.NoError(t, s.UndoClosing(ctx, second.ID, 1))
	require.NoError(t, s.UndoClosing(ctx, first.ID, 1))
	require.ErrorIs(t, s.UndoClosing(ctx, first.ID, 1), ErrClosingNotFound)
}

func TestCloseBlockedWhileLockHeld(t *testing.T) {
	repo := newMemSettlementRepo()
	s, mr := newSettlementService(t, repo)

	require.NoError(t, mr.Set(closeLockKey, "held"))
	_, err := s.Close(context.Background(), CloseInput{PeriodStart: day(1), PeriodEnd: day(31)})
	require.ErrorIs(t, err, ErrCloseInProgress)

	mr.Del(closeLockKey)
	_, err = s.Close(context.Background(), CloseInput{PeriodStart: day(1), PeriodEnd: day(31)})
	require.NoError(t, err)
	// lock released after the close
	require.False(t, mr.Exists(closeLockKey))
}
