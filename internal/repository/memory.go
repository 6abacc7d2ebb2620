package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/journey-engine/internal/model"
)

// MemoryRepository хранит все данные в памяти. Используется в тестах и при запуске без БД.
// Блокировки Lock* держатся до конца InTx; при ошибке fn изменения транзакции откатываются.
type MemoryRepository struct {
	*memQueries
}

type memoryData struct {
	mu sync.RWMutex

	operators map[string]model.Operator
	slugs     map[string]string
	states    map[string]model.JourneyState
	rules     map[string]model.RecyclingRule
	history   []model.RecyclingHistory
	metrics   map[string]model.OperatorMetrics
	outbox    []outboxRow
	outboxSeq int64
}

type outboxRow struct {
	seq         int64
	event       model.StageChanged
	deliveredAt *time.Time
}

type memQueries struct {
	d     *memoryData
	locks *keyedLocks
	tx    *memTx
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		memQueries: &memQueries{
			d: &memoryData{
				operators: make(map[string]model.Operator),
				slugs:     make(map[string]string),
				states:    make(map[string]model.JourneyState),
				rules:     make(map[string]model.RecyclingRule),
				metrics:   make(map[string]model.OperatorMetrics),
			},
			locks: newKeyedLocks(),
		},
	}
}

// Close ничего не освобождает.
func (r *MemoryRepository) Close() error {
	return nil
}

// InTx выполняет fn атомарно относительно других транзакций, взявших те же блокировки.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(q Queries) error) (err error) {
	tx := &memTx{held: make(map[string]func())}
	q := &memQueries{d: r.d, locks: r.locks, tx: tx}

	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			tx.release()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
		tx.release()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(q)
}

type memTx struct {
	held map[string]func()
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) release() {
	for _, unlock := range t.held {
		unlock()
	}
	t.held = nil
}

type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyLock)}
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// acquire берёт блокировку по ключу. Вне транзакции блокировка сразу отпускается.
func (q *memQueries) acquire(key string) {
	if q.tx == nil {
		q.locks.lock(key)()
		return
	}
	if _, ok := q.tx.held[key]; ok {
		return
	}
	q.tx.held[key] = q.locks.lock(key)
}

// write выполняет изменение под блокировкой данных и запоминает откат для транзакции.
func (q *memQueries) write(fn func(d *memoryData) func()) {
	q.d.mu.Lock()
	undo := fn(q.d)
	q.d.mu.Unlock()

	if q.tx != nil && undo != nil {
		d := q.d
		q.tx.undo = append(q.tx.undo, func() {
			d.mu.Lock()
			undo()
			d.mu.Unlock()
		})
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(n *int) *int {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}

func cloneState(s model.JourneyState) model.JourneyState {
	s.LastDepositAt = cloneTime(s.LastDepositAt)
	s.LastEmailAt = cloneTime(s.LastEmailAt)
	s.LastSMSAt = cloneTime(s.LastSMSAt)
	if s.CurrentJourney != nil {
		j := *s.CurrentJourney
		s.CurrentJourney = &j
	}
	return s
}

// CreateOperator сохраняет нового оператора.
func (q *memQueries) CreateOperator(_ context.Context, op *model.Operator) error {
	var err error
	q.write(func(d *memoryData) func() {
		if _, ok := d.slugs[op.Slug]; ok {
			err = fmt.Errorf("%w: %s", ErrOperatorExists, op.Slug)
			return nil
		}
		if _, ok := d.operators[op.ID]; ok {
			err = fmt.Errorf("%w: %s", ErrOperatorExists, op.ID)
			return nil
		}
		d.operators[op.ID] = *op
		d.slugs[op.Slug] = op.ID
		return func() {
			delete(d.operators, op.ID)
			delete(d.slugs, op.Slug)
		}
	})
	return err
}

// GetOperator возвращает оператора по идентификатору.
func (q *memQueries) GetOperator(_ context.Context, operatorID string) (*model.Operator, error) {
	q.d.mu.RLock()
	defer q.d.mu.RUnlock()

	op, ok := q.d.operators[operatorID]
	if !ok {
		return nil, ErrOperatorNotFound
	}
	return &op, nil
}

// UpdateOperator обновляет настройки оператора.
func (q *memQueries) UpdateOperator(_ context.Context, op *model.Operator) error {
	var err error
	q.write(func(d *memoryData) func() {
		prev, ok := d.operators[op.ID]
		if !ok {
			err = ErrOperatorNotFound
			return nil
		}
		if owner, taken := d.slugs[op.Slug]; taken && owner != op.ID {
			err = fmt.Errorf("%w: %s", ErrOperatorExists, op.Slug)
			return nil
		}

		next := *op
		next.RegRate = prev.RegRate
		next.FTDRate = prev.FTDRate
		next.CreatedAt = prev.CreatedAt
		delete(d.slugs, prev.Slug)
		d.slugs[next.Slug] = next.ID
		d.operators[op.ID] = next
		return func() {
			delete(d.slugs, next.Slug)
			d.slugs[prev.Slug] = prev.ID
			d.operators[prev.ID] = prev
		}
	})
	return err
}

// UpdateOperatorRates сохраняет рассчитанные конверсии оператора.
func (q *memQueries) UpdateOperatorRates(_ context.Context, operatorID string, regRate, ftdRate decimal.Decimal, now time.Time) error {
	var err error
	q.write(func(d *memoryData) func() {
		prev, ok := d.operators[operatorID]
		if !ok {
			err = ErrOperatorNotFound
			return nil
		}
		next := prev
		next.RegRate = regRate
		next.FTDRate = ftdRate
		next.UpdatedAt = now
		d.operators[operatorID] = next
		return func() { d.operators[operatorID] = prev }
	})
	return err
}

// GetJourneyState возвращает состояние клиента у оператора.
func (q *memQueries) GetJourneyState(_ context.Context, customerID, operatorID string) (*model.JourneyState, error) {
	q.d.mu.RLock()
	defer q.d.mu.RUnlock()

	s, ok := q.d.states[journeyKey(customerID, operatorID)]
	if !ok {
		return nil, ErrJourneyStateNotFound
	}
	c := cloneState(s)
	return &c, nil
}

func (q *memQueries) insertState(state *model.JourneyState) (bool, error) {
	var (
		created bool
		err     error
	)
	key := journeyKey(state.CustomerID, state.OperatorID)
	q.write(func(d *memoryData) func() {
		if _, ok := d.operators[state.OperatorID]; !ok {
			err = ErrOperatorNotFound
			return nil
		}
		if _, ok := d.states[key]; ok {
			return nil
		}
		d.states[key] = cloneState(*state)
		created = true
		return func() { delete(d.states, key) }
	})
	return created, err
}

// CreateJourneyState создаёт состояние и отказывает, если для пары оно уже есть.
func (q *memQueries) CreateJourneyState(_ context.Context, state *model.JourneyState) error {
	created, err := q.insertState(state)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: customer %s, operator %s", ErrDuplicateJourneyState, state.CustomerID, state.OperatorID)
	}
	return nil
}

// LockJourneyState создаёт состояние при отсутствии и блокирует пару до конца транзакции.
func (q *memQueries) LockJourneyState(ctx context.Context, fresh *model.JourneyState) (*model.JourneyState, error) {
	q.acquire("journey|" + journeyKey(fresh.CustomerID, fresh.OperatorID))

	if _, err := q.insertState(fresh); err != nil {
		return nil, err
	}
	return q.GetJourneyState(ctx, fresh.CustomerID, fresh.OperatorID)
}

// UpdateJourneyState сохраняет изменённое состояние клиента.
func (q *memQueries) UpdateJourneyState(_ context.Context, state *model.JourneyState) error {
	var err error
	key := journeyKey(state.CustomerID, state.OperatorID)
	q.write(func(d *memoryData) func() {
		prev, ok := d.states[key]
		if !ok {
			err = ErrJourneyStateNotFound
			return nil
		}
		next := cloneState(*state)
		next.ID = prev.ID
		next.CreatedAt = prev.CreatedAt
		d.states[key] = next
		return func() { d.states[key] = prev }
	})
	return err
}

// ListJourneyStatesByOperator возвращает состояния оператора, начиная с недавно обновлённых.
func (q *memQueries) ListJourneyStatesByOperator(_ context.Context, operatorID string, limit int) ([]model.JourneyState, error) {
	q.d.mu.RLock()
	var res []model.JourneyState
	for _, s := range q.d.states {
		if s.OperatorID == operatorID {
			res = append(res, cloneState(s))
		}
	}
	q.d.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		if !res[i].UpdatedAt.Equal(res[j].UpdatedAt) {
			return res[i].UpdatedAt.After(res[j].UpdatedAt)
		}
		return res[i].CustomerID < res[j].CustomerID
	})

	if limit >= 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// UpsertRecyclingRule создаёт или заменяет правило переноса для пары операторов.
func (q *memQueries) UpsertRecyclingRule(_ context.Context, rule *model.RecyclingRule) error {
	var err error
	key := journeyKey(rule.SourceOperatorID, rule.TargetOperatorID)
	q.write(func(d *memoryData) func() {
		_, okSrc := d.operators[rule.SourceOperatorID]
		_, okDst := d.operators[rule.TargetOperatorID]
		if !okSrc || !okDst {
			err = ErrOperatorNotFound
			return nil
		}
		prev, existed := d.rules[key]
		d.rules[key] = *rule
		return func() {
			if existed {
				d.rules[key] = prev
				return
			}
			delete(d.rules, key)
		}
	})
	return err
}

// GetRecyclingRule возвращает правило переноса для пары операторов.
func (q *memQueries) GetRecyclingRule(_ context.Context, sourceOperatorID, targetOperatorID string) (*model.RecyclingRule, error) {
	q.d.mu.RLock()
	defer q.d.mu.RUnlock()

	r, ok := q.d.rules[journeyKey(sourceOperatorID, targetOperatorID)]
	if !ok {
		return nil, ErrRecyclingRuleNotFound
	}
	return &r, nil
}

// LockRecyclingPair блокирует тройку клиент/откуда/куда до конца транзакции.
func (q *memQueries) LockRecyclingPair(_ context.Context, customerID, fromOperatorID, toOperatorID string) error {
	q.acquire("recycle|" + recycleKey(customerID, fromOperatorID, toOperatorID))
	return nil
}

func (q *memQueries) historyFor(customerID, fromOperatorID, toOperatorID string) []model.RecyclingHistory {
	var res []model.RecyclingHistory
	for _, h := range q.d.history {
		if h.CustomerID == customerID && h.FromOperatorID == fromOperatorID && h.ToOperatorID == toOperatorID {
			res = append(res, h)
		}
	}
	return res
}

// CountRecycles возвращает число выполненных переносов по тройке.
func (q *memQueries) CountRecycles(_ context.Context, customerID, fromOperatorID, toOperatorID string) (int, error) {
	q.d.mu.RLock()
	defer q.d.mu.RUnlock()

	return len(q.historyFor(customerID, fromOperatorID, toOperatorID)), nil
}

// LastRecycle возвращает последний перенос по тройке.
func (q *memQueries) LastRecycle(_ context.Context, customerID, fromOperatorID, toOperatorID string) (*model.RecyclingHistory, error) {
	q.d.mu.RLock()
	defer q.d.mu.RUnlock()

	var last *model.RecyclingHistory
	for _, h := range q.historyFor(customerID, fromOperatorID, toOperatorID) {
		if last == nil || h.RecycledAt.After(last.RecycledAt) {
			c := h
			c.DaysSinceDeposit = cloneInt(h.DaysSinceDeposit)
			last = &c
		}
	}
	if last == nil {
		return nil, ErrRecyclingHistoryNotFound
	}
	return last, nil
}

// InsertRecyclingHistory добавляет запись в журнал переносов.
func (q *memQueries) InsertRecyclingHistory(_ context.Context, h *model.RecyclingHistory) error {
	row := *h
	row.DaysSinceDeposit = cloneInt(h.DaysSinceDeposit)
	q.write(func(d *memoryData) func() {
		d.history = append(d.history, row)
		n := len(d.history)
		return func() {
			if len(d.history) == n {
				d.history = d.history[:n-1]
				return
			}
			for i := range d.history {
				if d.history[i].ID == row.ID {
					d.history = append(d.history[:i], d.history[i+1:]...)
					return
				}
			}
		}
	})
	return nil
}

// ListRecyclingHistory возвращает переносы клиента, начиная с последних.
func (q *memQueries) ListRecyclingHistory(_ context.Context, customerID string) ([]model.RecyclingHistory, error) {
	q.d.mu.RLock()
	var res []model.RecyclingHistory
	for _, h := range q.d.history {
		if h.CustomerID == customerID {
			c := h
			c.DaysSinceDeposit = cloneInt(h.DaysSinceDeposit)
			res = append(res, c)
		}
	}
	q.d.mu.RUnlock()

	sort.SliceStable(res, func(i, j int) bool {
		return res[i].RecycledAt.After(res[j].RecycledAt)
	})
	return res, nil
}

func metricsKey(operatorID string, day time.Time) string {
	return operatorID + "|" + day.Format(time.DateOnly)
}

// IncrementMetrics прибавляет приращения к дневной строке оператора, создавая её при необходимости.
func (q *memQueries) IncrementMetrics(_ context.Context, operatorID string, day time.Time, delta model.MetricsDelta) error {
	var err error
	day = DayOf(day)
	key := metricsKey(operatorID, day)
	q.write(func(d *memoryData) func() {
		if _, ok := d.operators[operatorID]; !ok {
			err = ErrOperatorNotFound
			return nil
		}
		row, existed := d.metrics[key]
		if !existed {
			row = model.OperatorMetrics{OperatorID: operatorID, Date: day}
		}
		d.metrics[key] = addMetrics(row, delta, 1)

		// откат вычитает своё приращение и не трогает чужие
		return func() {
			row := addMetrics(d.metrics[key], delta, -1)
			if !existed && isEmptyMetrics(row) {
				delete(d.metrics, key)
				return
			}
			d.metrics[key] = row
		}
	})
	return err
}

func addMetrics(m model.OperatorMetrics, delta model.MetricsDelta, sign int64) model.OperatorMetrics {
	m.Leads += sign * delta.Leads
	m.Registrations += sign * delta.Registrations
	m.FTD += sign * delta.FTD
	m.Deposits += sign * delta.Deposits
	m.Revenue = m.Revenue.Add(delta.Revenue.Mul(decimal.NewFromInt(sign)))
	m.RecycledIn += sign * delta.RecycledIn
	m.RecycledOut += sign * delta.RecycledOut
	m.Messages += sign * delta.Messages
	return m
}

func isEmptyMetrics(m model.OperatorMetrics) bool {
	return m.Leads == 0 && m.Registrations == 0 && m.FTD == 0 && m.Deposits == 0 &&
		m.Revenue.IsZero() && m.RecycledIn == 0 && m.RecycledOut == 0 && m.Messages == 0
}

// GetMetricsTotals суммирует дневные строки оператора за всё время.
func (q *memQueries) GetMetricsTotals(_ context.Context, operatorID string) (model.MetricsTotals, error) {
	q.d.mu.RLock()
	defer q.d.mu.RUnlock()

	var t model.MetricsTotals
	for _, m := range q.d.metrics {
		if m.OperatorID != operatorID {
			continue
		}
		t.Leads += m.Leads
		t.Registrations += m.Registrations
		t.FTD += m.FTD
	}
	return t, nil
}

// ListMetrics возвращает дневные строки оператора в диапазоне дат включительно.
func (q *memQueries) ListMetrics(_ context.Context, operatorID string, from, to time.Time) ([]model.OperatorMetrics, error) {
	from, to = DayOf(from), DayOf(to)

	q.d.mu.RLock()
	var res []model.OperatorMetrics
	for _, m := range q.d.metrics {
		if m.OperatorID == operatorID && !m.Date.Before(from) && !m.Date.After(to) {
			res = append(res, m)
		}
	}
	q.d.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].Date.Before(res[j].Date) })
	return res, nil
}

// EnqueueStageChanged кладёт событие в outbox в рамках текущей транзакции.
func (q *memQueries) EnqueueStageChanged(_ context.Context, ev model.StageChanged) error {
	q.write(func(d *memoryData) func() {
		d.outboxSeq++
		seq := d.outboxSeq
		d.outbox = append(d.outbox, outboxRow{seq: seq, event: ev})
		return func() {
			for i := range d.outbox {
				if d.outbox[i].seq == seq {
					d.outbox = append(d.outbox[:i], d.outbox[i+1:]...)
					return
				}
			}
		}
	})
	return nil
}

// PendingStageChanges возвращает недоставленные события в порядке записи.
func (q *memQueries) PendingStageChanges(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	q.d.mu.RLock()
	defer q.d.mu.RUnlock()

	var res []model.OutboxEvent
	for _, row := range q.d.outbox {
		if row.deliveredAt != nil {
			continue
		}
		if len(res) == limit {
			break
		}
		res = append(res, model.OutboxEvent{Seq: row.seq, Event: row.event})
	}
	return res, nil
}

// MarkStageChangesDelivered отмечает события доставленными.
func (q *memQueries) MarkStageChangesDelivered(_ context.Context, seqs []int64, at time.Time) error {
	want := make(map[int64]struct{}, len(seqs))
	for _, s := range seqs {
		want[s] = struct{}{}
	}

	q.write(func(d *memoryData) func() {
		marked := make(map[int64]struct{}, len(want))
		for i := range d.outbox {
			if _, ok := want[d.outbox[i].seq]; ok && d.outbox[i].deliveredAt == nil {
				t := at
				d.outbox[i].deliveredAt = &t
				marked[d.outbox[i].seq] = struct{}{}
			}
		}
		return func() {
			for i := range d.outbox {
				if _, ok := marked[d.outbox[i].seq]; ok {
					d.outbox[i].deliveredAt = nil
				}
			}
		}
	})
	return nil
}
