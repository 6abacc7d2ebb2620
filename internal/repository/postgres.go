package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/journey-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier реализуют и пул соединений, и транзакция pgx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	*pgQueries
	pool   *pgxpool.Pool
	delays []time.Duration
}

// pgQueries выполняет запросы либо через пул, либо внутри транзакции.
type pgQueries struct {
	db querier
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w: %v", ErrStoreUnavailable, err)
	}

	r := &PostgresRepository{
		pgQueries: &pgQueries{db: pool},
		pool:      pool,
		delays:    []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// InTx выполняет fn в одной транзакции. При конфликте сериализации или взаимной
// блокировке транзакция повторяется целиком, поэтому fn должна быть повторяемой.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(q Queries) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&pgQueries{db: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.delays) {
			break
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if isConnectionError(err) && !errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// isRetryable отбирает ошибки, после которых транзакция точно откатилась. Обрыв
// соединения сюда не входит: коммит мог успеть примениться.
func isRetryable(err error) bool {
	return isPgCode(err, pgerrcode.SerializationFailure) || isPgCode(err, pgerrcode.DeadlockDetected)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// wrap добавляет к ошибке имя операции и помечает сбои соединения как ErrStoreUnavailable,
// а переполнение числовой колонки как ErrValueOutOfRange.
func wrap(op string, err error) error {
	if isConnectionError(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
	if isPgCode(err, pgerrcode.NumericValueOutOfRange) {
		return fmt.Errorf("%s: %w: %w", op, ErrValueOutOfRange, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const operatorColumns = `id, slug, name, status, protect_high_value, recycle_after_days,
	min_stage_for_recycle, max_stage_for_recycle, reg_rate, ftd_rate, created_at, updated_at`

func scanOperator(row scanner) (*model.Operator, error) {
	var (
		op     model.Operator
		status string
	)
	err := row.Scan(&op.ID, &op.Slug, &op.Name, &status, &op.ProtectHighValue, &op.RecycleAfterDays,
		&op.MinStageForRecycle, &op.MaxStageForRecycle, &op.RegRate, &op.FTDRate, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	op.Status = model.OperatorStatus(status)
	return &op, nil
}

// CreateOperator сохраняет нового оператора.
func (q *pgQueries) CreateOperator(ctx context.Context, op *model.Operator) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO operators (`+operatorColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		op.ID, op.Slug, op.Name, string(op.Status), op.ProtectHighValue, op.RecycleAfterDays,
		op.MinStageForRecycle, op.MaxStageForRecycle, op.RegRate, op.FTDRate, op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		if isPgCode(err, pgerrcode.UniqueViolation) {
			return fmt.Errorf("%w: %s", ErrOperatorExists, op.Slug)
		}
		return wrap("create operator", err)
	}
	return nil
}

// GetOperator возвращает оператора по идентификатору.
func (q *pgQueries) GetOperator(ctx context.Context, operatorID string) (*model.Operator, error) {
	op, err := scanOperator(q.db.QueryRow(ctx,
		`SELECT `+operatorColumns+` FROM operators WHERE id = $1`,
		operatorID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, wrap("get operator", err)
	}
	return op, nil
}

// UpdateOperator обновляет настройки оператора.
func (q *pgQueries) UpdateOperator(ctx context.Context, op *model.Operator) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE operators
		 SET slug = $2, name = $3, status = $4, protect_high_value = $5, recycle_after_days = $6,
		     min_stage_for_recycle = $7, max_stage_for_recycle = $8, updated_at = $9
		 WHERE id = $1`,
		op.ID, op.Slug, op.Name, string(op.Status), op.ProtectHighValue, op.RecycleAfterDays,
		op.MinStageForRecycle, op.MaxStageForRecycle, op.UpdatedAt,
	)
	if err != nil {
		if isPgCode(err, pgerrcode.UniqueViolation) {
			return fmt.Errorf("%w: %s", ErrOperatorExists, op.Slug)
		}
		return wrap("update operator", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOperatorNotFound
	}
	return nil
}

// UpdateOperatorRates сохраняет рассчитанные конверсии оператора.
func (q *pgQueries) UpdateOperatorRates(ctx context.Context, operatorID string, regRate, ftdRate decimal.Decimal, now time.Time) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE operators SET reg_rate = $2, ftd_rate = $3, updated_at = $4 WHERE id = $1`,
		operatorID, regRate, ftdRate, now,
	)
	if err != nil {
		return wrap("update operator rates", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOperatorNotFound
	}
	return nil
}

const journeyColumns = `id, customer_id, operator_id, stage, deposit_count, total_deposit_value,
	last_deposit_amount, last_deposit_at, current_journey, email_count, sms_count,
	last_email_at, last_sms_at, created_at, updated_at`

func scanJourneyState(row scanner) (*model.JourneyState, error) {
	var (
		s       model.JourneyState
		journey *string
	)
	err := row.Scan(&s.ID, &s.CustomerID, &s.OperatorID, &s.Stage, &s.DepositCount, &s.TotalDepositValue,
		&s.LastDepositAmount, &s.LastDepositAt, &journey, &s.EmailCount, &s.SMSCount,
		&s.LastEmailAt, &s.LastSMSAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if journey != nil {
		j := model.JourneyType(*journey)
		s.CurrentJourney = &j
	}
	return &s, nil
}

func journeyArg(j *model.JourneyType) *string {
	if j == nil {
		return nil
	}
	v := string(*j)
	return &v
}

// GetJourneyState возвращает состояние клиента у оператора.
func (q *pgQueries) GetJourneyState(ctx context.Context, customerID, operatorID string) (*model.JourneyState, error) {
	s, err := scanJourneyState(q.db.QueryRow(ctx,
		`SELECT `+journeyColumns+` FROM journey_states WHERE customer_id = $1 AND operator_id = $2`,
		customerID, operatorID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJourneyStateNotFound
		}
		return nil, wrap("get journey state", err)
	}
	return s, nil
}

func (q *pgQueries) insertJourneyState(ctx context.Context, s *model.JourneyState, onConflict string) (pgconn.CommandTag, error) {
	return q.db.Exec(ctx,
		`INSERT INTO journey_states (`+journeyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15) `+onConflict,
		s.ID, s.CustomerID, s.OperatorID, s.Stage, s.DepositCount, s.TotalDepositValue,
		s.LastDepositAmount, s.LastDepositAt, journeyArg(s.CurrentJourney), s.EmailCount, s.SMSCount,
		s.LastEmailAt, s.LastSMSAt, s.CreatedAt, s.UpdatedAt,
	)
}

// CreateJourneyState создаёт состояние и отказывает, если для пары оно уже есть.
func (q *pgQueries) CreateJourneyState(ctx context.Context, state *model.JourneyState) error {
	_, err := q.insertJourneyState(ctx, state, "")
	if err != nil {
		switch {
		case isPgCode(err, pgerrcode.UniqueViolation):
			return fmt.Errorf("%w: customer %s, operator %s", ErrDuplicateJourneyState, state.CustomerID, state.OperatorID)
		case isPgCode(err, pgerrcode.ForeignKeyViolation):
			return ErrOperatorNotFound
		}
		return wrap("create journey state", err)
	}
	return nil
}

// LockJourneyState создаёт состояние при отсутствии и блокирует строку до конца транзакции.
func (q *pgQueries) LockJourneyState(ctx context.Context, fresh *model.JourneyState) (*model.JourneyState, error) {
	if _, err := q.insertJourneyState(ctx, fresh, "ON CONFLICT (customer_id, operator_id) DO NOTHING"); err != nil {
		if isPgCode(err, pgerrcode.ForeignKeyViolation) {
			return nil, ErrOperatorNotFound
		}
		return nil, wrap("ensure journey state", err)
	}

	s, err := scanJourneyState(q.db.QueryRow(ctx,
		`SELECT `+journeyColumns+` FROM journey_states WHERE customer_id = $1 AND operator_id = $2 FOR UPDATE`,
		fresh.CustomerID, fresh.OperatorID,
	))
	if err != nil {
		return nil, wrap("lock journey state", err)
	}
	return s, nil
}

// UpdateJourneyState сохраняет изменённое состояние клиента.
func (q *pgQueries) UpdateJourneyState(ctx context.Context, s *model.JourneyState) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE journey_states
		 SET stage = $3, deposit_count = $4, total_deposit_value = $5, last_deposit_amount = $6,
		     last_deposit_at = $7, current_journey = $8, email_count = $9, sms_count = $10,
		     last_email_at = $11, last_sms_at = $12, updated_at = $13
		 WHERE customer_id = $1 AND operator_id = $2`,
		s.CustomerID, s.OperatorID, s.Stage, s.DepositCount, s.TotalDepositValue, s.LastDepositAmount,
		s.LastDepositAt, journeyArg(s.CurrentJourney), s.EmailCount, s.SMSCount,
		s.LastEmailAt, s.LastSMSAt, s.UpdatedAt,
	)
	if err != nil {
		return wrap("update journey state", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJourneyStateNotFound
	}
	return nil
}

// ListJourneyStatesByOperator возвращает состояния оператора, начиная с недавно обновлённых.
func (q *pgQueries) ListJourneyStatesByOperator(ctx context.Context, operatorID string, limit int) ([]model.JourneyState, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+journeyColumns+`
		 FROM journey_states
		 WHERE operator_id = $1
		 ORDER BY updated_at DESC, customer_id
		 LIMIT $2`,
		operatorID, limit,
	)
	if err != nil {
		return nil, wrap("select journey states", err)
	}
	defer rows.Close()

	var res []model.JourneyState
	for rows.Next() {
		s, err := scanJourneyState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journey state: %w", err)
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap("rows error", err)
	}

	return res, nil
}

// UpsertRecyclingRule создаёт или заменяет правило переноса для пары операторов.
func (q *pgQueries) UpsertRecyclingRule(ctx context.Context, rule *model.RecyclingRule) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO operator_recycling_rules (
			source_operator_id, target_operator_id, min_stage, max_stage, exclude_high_value,
			min_days_since_last_deposit, max_recycles_per_user, cooldown_days, is_active, priority, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (source_operator_id, target_operator_id) DO UPDATE SET
			min_stage = EXCLUDED.min_stage,
			max_stage = EXCLUDED.max_stage,
			exclude_high_value = EXCLUDED.exclude_high_value,
			min_days_since_last_deposit = EXCLUDED.min_days_since_last_deposit,
			max_recycles_per_user = EXCLUDED.max_recycles_per_user,
			cooldown_days = EXCLUDED.cooldown_days,
			is_active = EXCLUDED.is_active,
			priority = EXCLUDED.priority,
			updated_at = EXCLUDED.updated_at`,
		rule.SourceOperatorID, rule.TargetOperatorID, rule.MinStage, rule.MaxStage, rule.ExcludeHighValue,
		rule.MinDaysSinceLastDeposit, rule.MaxRecyclesPerUser, rule.CooldownDays, rule.IsActive, rule.Priority, rule.UpdatedAt,
	)
	if err != nil {
		if isPgCode(err, pgerrcode.ForeignKeyViolation) {
			return ErrOperatorNotFound
		}
		return wrap("upsert recycling rule", err)
	}
	return nil
}

// GetRecyclingRule возвращает правило переноса для пары операторов.
func (q *pgQueries) GetRecyclingRule(ctx context.Context, sourceOperatorID, targetOperatorID string) (*model.RecyclingRule, error) {
	var r model.RecyclingRule
	err := q.db.QueryRow(ctx,
		`SELECT source_operator_id, target_operator_id, min_stage, max_stage, exclude_high_value,
		        min_days_since_last_deposit, max_recycles_per_user, cooldown_days, is_active, priority, updated_at
		 FROM operator_recycling_rules
		 WHERE source_operator_id = $1 AND target_operator_id = $2`,
		sourceOperatorID, targetOperatorID,
	).Scan(&r.SourceOperatorID, &r.TargetOperatorID, &r.MinStage, &r.MaxStage, &r.ExcludeHighValue,
		&r.MinDaysSinceLastDeposit, &r.MaxRecyclesPerUser, &r.CooldownDays, &r.IsActive, &r.Priority, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecyclingRuleNotFound
		}
		return nil, wrap("get recycling rule", err)
	}
	return &r, nil
}

// LockRecyclingPair берёт транзакционную advisory-блокировку на тройку клиент/откуда/куда.
func (q *pgQueries) LockRecyclingPair(ctx context.Context, customerID, fromOperatorID, toOperatorID string) error {
	_, err := q.db.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		recycleKey(customerID, fromOperatorID, toOperatorID),
	)
	if err != nil {
		return wrap("lock recycling pair", err)
	}
	return nil
}

// CountRecycles возвращает число выполненных переносов по тройке.
func (q *pgQueries) CountRecycles(ctx context.Context, customerID, fromOperatorID, toOperatorID string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM customer_recycling_history
		 WHERE customer_id = $1 AND from_operator_id = $2 AND to_operator_id = $3`,
		customerID, fromOperatorID, toOperatorID,
	).Scan(&n)
	if err != nil {
		return 0, wrap("count recycles", err)
	}
	return n, nil
}

const historyColumns = `id, customer_id, from_operator_id, to_operator_id, stage_at_recycle,
	days_since_deposit, last_deposit_amount, recycled_at`

func scanHistory(row scanner) (*model.RecyclingHistory, error) {
	var h model.RecyclingHistory
	err := row.Scan(&h.ID, &h.CustomerID, &h.FromOperatorID, &h.ToOperatorID, &h.StageAtRecycle,
		&h.DaysSinceDeposit, &h.LastDepositAmount, &h.RecycledAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// LastRecycle возвращает последний перенос по тройке.
func (q *pgQueries) LastRecycle(ctx context.Context, customerID, fromOperatorID, toOperatorID string) (*model.RecyclingHistory, error) {
	h, err := scanHistory(q.db.QueryRow(ctx,
		`SELECT `+historyColumns+`
		 FROM customer_recycling_history
		 WHERE customer_id = $1 AND from_operator_id = $2 AND to_operator_id = $3
		 ORDER BY recycled_at DESC
		 LIMIT 1`,
		customerID, fromOperatorID, toOperatorID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecyclingHistoryNotFound
		}
		return nil, wrap("last recycle", err)
	}
	return h, nil
}

// InsertRecyclingHistory добавляет запись в журнал переносов.
func (q *pgQueries) InsertRecyclingHistory(ctx context.Context, h *model.RecyclingHistory) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO customer_recycling_history (`+historyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.ID, h.CustomerID, h.FromOperatorID, h.ToOperatorID, h.StageAtRecycle,
		h.DaysSinceDeposit, h.LastDepositAmount, h.RecycledAt,
	)
	if err != nil {
		return wrap("insert recycling history", err)
	}
	return nil
}

// ListRecyclingHistory возвращает переносы клиента, начиная с последних.
func (q *pgQueries) ListRecyclingHistory(ctx context.Context, customerID string) ([]model.RecyclingHistory, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+historyColumns+`
		 FROM customer_recycling_history
		 WHERE customer_id = $1
		 ORDER BY recycled_at DESC`,
		customerID,
	)
	if err != nil {
		return nil, wrap("select recycling history", err)
	}
	defer rows.Close()

	var res []model.RecyclingHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recycling history: %w", err)
		}
		res = append(res, *h)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap("rows error", err)
	}

	return res, nil
}

// IncrementMetrics прибавляет приращения к дневной строке оператора, создавая её при необходимости.
func (q *pgQueries) IncrementMetrics(ctx context.Context, operatorID string, day time.Time, d model.MetricsDelta) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO operator_metrics (
			operator_id, date, leads, registrations, ftd, deposits, revenue, recycled_in, recycled_out, messages
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (operator_id, date) DO UPDATE SET
			leads = operator_metrics.leads + EXCLUDED.leads,
			registrations = operator_metrics.registrations + EXCLUDED.registrations,
			ftd = operator_metrics.ftd + EXCLUDED.ftd,
			deposits = operator_metrics.deposits + EXCLUDED.deposits,
			revenue = operator_metrics.revenue + EXCLUDED.revenue,
			recycled_in = operator_metrics.recycled_in + EXCLUDED.recycled_in,
			recycled_out = operator_metrics.recycled_out + EXCLUDED.recycled_out,
			messages = operator_metrics.messages + EXCLUDED.messages`,
		operatorID, DayOf(day), d.Leads, d.Registrations, d.FTD, d.Deposits, d.Revenue,
		d.RecycledIn, d.RecycledOut, d.Messages,
	)
	if err != nil {
		if isPgCode(err, pgerrcode.ForeignKeyViolation) {
			return ErrOperatorNotFound
		}
		return wrap("increment metrics", err)
	}
	return nil
}

// GetMetricsTotals суммирует дневные строки оператора за всё время.
func (q *pgQueries) GetMetricsTotals(ctx context.Context, operatorID string) (model.MetricsTotals, error) {
	var t model.MetricsTotals
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(leads), 0), COALESCE(SUM(registrations), 0), COALESCE(SUM(ftd), 0)
		 FROM operator_metrics
		 WHERE operator_id = $1`,
		operatorID,
	).Scan(&t.Leads, &t.Registrations, &t.FTD)
	if err != nil {
		return model.MetricsTotals{}, wrap("sum metrics", err)
	}
	return t, nil
}

// ListMetrics возвращает дневные строки оператора в диапазоне дат включительно.
func (q *pgQueries) ListMetrics(ctx context.Context, operatorID string, from, to time.Time) ([]model.OperatorMetrics, error) {
	rows, err := q.db.Query(ctx,
		`SELECT operator_id, date, leads, registrations, ftd, deposits, revenue, recycled_in, recycled_out, messages
		 FROM operator_metrics
		 WHERE operator_id = $1 AND date BETWEEN $2 AND $3
		 ORDER BY date`,
		operatorID, DayOf(from), DayOf(to),
	)
	if err != nil {
		return nil, wrap("select metrics", err)
	}
	defer rows.Close()

	var res []model.OperatorMetrics
	for rows.Next() {
		var m model.OperatorMetrics
		if err := rows.Scan(&m.OperatorID, &m.Date, &m.Leads, &m.Registrations, &m.FTD, &m.Deposits,
			&m.Revenue, &m.RecycledIn, &m.RecycledOut, &m.Messages); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap("rows error", err)
	}

	return res, nil
}

// EnqueueStageChanged кладёт событие в outbox в рамках текущей транзакции.
func (q *pgQueries) EnqueueStageChanged(ctx context.Context, ev model.StageChanged) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stage change: %w", err)
	}

	if _, err := q.db.Exec(ctx,
		`INSERT INTO stage_change_outbox (payload, created_at) VALUES ($1, $2)`,
		payload, ev.OccurredAt,
	); err != nil {
		return wrap("enqueue stage change", err)
	}
	return nil
}

// PendingStageChanges возвращает недоставленные события в порядке записи.
func (q *pgQueries) PendingStageChanges(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	rows, err := q.db.Query(ctx,
		`SELECT seq, payload
		 FROM stage_change_outbox
		 WHERE delivered_at IS NULL
		 ORDER BY seq
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, wrap("select outbox", err)
	}
	defer rows.Close()

	var res []model.OutboxEvent
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}

		var ev model.StageChanged
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal stage change %d: %w", seq, err)
		}
		res = append(res, model.OutboxEvent{Seq: seq, Event: ev})
	}

	if err := rows.Err(); err != nil {
		return nil, wrap("rows error", err)
	}

	return res, nil
}

// MarkStageChangesDelivered отмечает события доставленными.
func (q *pgQueries) MarkStageChangesDelivered(ctx context.Context, seqs []int64, at time.Time) error {
	if len(seqs) == 0 {
		return nil
	}

	if _, err := q.db.Exec(ctx,
		`UPDATE stage_change_outbox SET delivered_at = $2 WHERE seq = ANY($1)`,
		seqs, at,
	); err != nil {
		return wrap("mark outbox delivered", err)
	}
	return nil
}
