package settlement

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/greenlot-erp/greenlot-erp/internal/shared"
)

// closeLockKey serialises closes across instances.
const closeLockKey = "greenlot:settlement:close"

// RepositoryPort abstracts the repository for the service.
type RepositoryPort interface {
	LatestClosing(ctx context.Context) (PeriodClosing, bool, error)
	GetClosing(ctx context.Context, id int64) (PeriodClosing, error)
	ListClosings(ctx context.Context, limit int) ([]PeriodClosing, error)
	InsertClosing(ctx context.Context, closing PeriodClosing) (int64, error)
	DeleteClosing(ctx context.Context, id int64) error
	StockValue(ctx context.Context) (float64, error)
	PurchasesValue(ctx context.Context, from, to time.Time) (float64, error)
	BookkeepingCOGS(ctx context.Context, from, to time.Time) (float64, error)
	AdjustmentsValue(ctx context.Context, from, to time.Time) (float64, error)
}

// CashLedger reads the cash book fed by the document layer, used only for
// the close report.
type CashLedger interface {
	Totals(ctx context.Context, from, to time.Time) (CashTotals, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts reconciliation variances.
type MetricsPort interface {
	CountVariance()
}

// ServiceConfig groups close behaviour settings.
type ServiceConfig struct {
	// VarianceTolerance is the absolute gap between derived and bookkeeping
	// COGS above which the close is flagged.
	VarianceTolerance float64
	// LockTTL bounds how long a crashed close can hold the lock.
	LockTTL time.Duration
}

// Service closes accounting periods and undoes the newest closing.
type Service struct {
	logger  *slog.Logger
	repo    RepositoryPort
	cash    CashLedger
	redis   *redis.Client
	audit   AuditPort
	metrics MetricsPort
	cfg     ServiceConfig
	now     func() time.Time
}

// NewService builds Service.
func NewService(logger *slog.Logger, repo RepositoryPort, cash CashLedger, rdb *redis.Client, audit AuditPort, metrics MetricsPort, cfg ServiceConfig) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &Service{
		logger:  logger,
		repo:    repo,
		cash:    cash,
		redis:   rdb,
		audit:   audit,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ListClosings returns closings, newest first.
func (s *Service) ListClosings(ctx context.Context, limit int) ([]PeriodClosing, error) {
	return s.repo.ListClosings(ctx, limit)
}

// GetClosing returns one closing.
func (s *Service) GetClosing(ctx context.Context, id int64) (PeriodClosing, error) {
	return s.repo.GetClosing(ctx, id)
}

// Close freezes the given period. Periods must form an unbroken chain: each
// close starts the day after the previous one ended. The derived cost of
// goods sold comes from opening + purchases + adjustments - closing; the
// bookkeeping figure from the lot matches of the period. A gap beyond the
// tolerance flags the closing and logs a warning, but never blocks it.
func (s *Service) Close(ctx context.Context, input CloseInput) (PeriodClosing, error) {
	if input.PeriodEnd.Before(input.PeriodStart) {
		return PeriodClosing{}, ErrPeriodOrder
	}
	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return PeriodClosing{}, err
	}
	defer unlock()

	previous, found, err := s.repo.LatestClosing(ctx)
	if err != nil {
		return PeriodClosing{}, err
	}
	opening := 0.0
	if found {
		expected := previous.PeriodEnd.AddDate(0, 0, 1)
		if !sameDay(input.PeriodStart, expected) {
			return PeriodClosing{}, ErrPeriodSequence
		}
		opening = previous.ClosingValue
	}

	var closingValue, purchases, adjustments, bookkeeping float64
	var cash CashTotals
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		closingValue, err = s.repo.StockValue(gctx)
		return err
	})
	g.Go(func() (err error) {
		purchases, err = s.repo.PurchasesValue(gctx, input.PeriodStart, input.PeriodEnd)
		return err
	})
	g.Go(func() (err error) {
		adjustments, err = s.repo.AdjustmentsValue(gctx, input.PeriodStart, input.PeriodEnd)
		return err
	})
	g.Go(func() (err error) {
		bookkeeping, err = s.repo.BookkeepingCOGS(gctx, input.PeriodStart, input.PeriodEnd)
		return err
	})
	if s.cash != nil {
		g.Go(func() (err error) {
			cash, err = s.cash.Totals(gctx, input.PeriodStart, input.PeriodEnd)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return PeriodClosing{}, err
	}

	closing := PeriodClosing{
		PeriodStart:      input.PeriodStart,
		PeriodEnd:        input.PeriodEnd,
		OpeningValue:     opening,
		ClosingValue:     closingValue,
		PurchasesValue:   purchases,
		AdjustmentsValue: adjustments,
		DerivedCOGS:      opening + purchases + adjustments - closingValue,
		BookkeepingCOGS:  bookkeeping,
		CashInflow:       cash.Inflow,
		CashOutflow:      cash.Outflow,
		ActualCash:       input.ActualCash,
		Note:             input.Note,
		ClosedBy:         input.ActorID,
		CreatedAt:        s.now(),
	}
	closing.Variance = closing.DerivedCOGS - closing.BookkeepingCOGS
	if math.Abs(closing.Variance) > s.cfg.VarianceTolerance {
		closing.VarianceWarning = true
		if s.metrics != nil {
			s.metrics.CountVariance()
		}
		s.logger.Warn("reconciliation variance on period close",
			slog.Time("period_start", input.PeriodStart),
			slog.Time("period_end", input.PeriodEnd),
			slog.Float64("derived_cogs", closing.DerivedCOGS),
			slog.Float64("bookkeeping_cogs", closing.BookkeepingCOGS),
			slog.Float64("variance", closing.Variance))
	}

	closing.ID, err = s.repo.InsertClosing(ctx, closing)
	if err != nil {
		return PeriodClosing{}, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "settlement:close",
			Entity:   "period_closing",
			EntityID: strconv.FormatInt(closing.ID, 10),
			Meta: map[string]any{
				"period_start": input.PeriodStart.Format("2006-01-02"),
				"period_end":   input.PeriodEnd.Format("2006-01-02"),
				"variance":     closing.Variance,
			},
		})
	}
	return closing, nil
}

// UndoClosing removes a closing. Only the newest closing can go, keeping the
// period chain unbroken.
func (s *Service) UndoClosing(ctx context.Context, id, actorID int64) error {
	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	latest, found, err := s.repo.LatestClosing(ctx)
	if err != nil {
		return err
	}
	if !found {
		return ErrClosingNotFound
	}
	if latest.ID != id {
		return ErrNotLatestClosing
	}
	if err := s.repo.DeleteClosing(ctx, id); err != nil {
		return err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "settlement:undo-close",
			Entity:   "period_closing",
			EntityID: strconv.FormatInt(id, 10),
		})
	}
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), error) {
	if s.redis == nil {
		return func() {}, nil
	}
	ok, err := s.redis.SetNX(ctx, closeLockKey, s.now().Format(time.RFC3339), s.cfg.LockTTL).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCloseInProgress
	}
	return func() {
		if err := s.redis.Del(context.Background(), closeLockKey).Err(); err != nil {
			s.logger.Warn("release close lock", slog.Any("error", err))
		}
	}, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
