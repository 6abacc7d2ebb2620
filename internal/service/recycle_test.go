package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/journey-engine/internal/model"
	"github.com/mmeshcher/journey-engine/internal/repository"
)

func TestScenario_RecycleCooldown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	from := env.operator(t, "source")
	to := env.operator(t, "target")

	_, err := env.svc.UpsertRecyclingRule(ctx, model.RecyclingRule{
		SourceOperatorID: from.ID, TargetOperatorID: to.ID,
		MinStage: 0, MaxStage: 2, CooldownDays: 30, MaxRecyclesPerUser: 5, IsActive: true,
	})
	require.NoError(t, err)

	_, err = env.svc.RecordRegistration(ctx, "c1", from.ID)
	require.NoError(t, err)

	first, err := env.svc.Recycle(ctx, "c1", from.ID, to.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageRegistered, first.History.StageAtRecycle)
	assert.Nil(t, first.History.DaysSinceDeposit)
	assert.True(t, first.Eligibility.RuleApplied)
	assert.Equal(t, 0, first.Eligibility.RecycleCount)

	_, err = env.svc.Recycle(ctx, "c1", from.ID, to.ID)
	require.ErrorIs(t, err, ErrNotEligible)

	var notEligible *NotEligibleError
	require.True(t, errors.As(err, &notEligible))
	assert.Equal(t, "cooldown active: 0 of 30 days elapsed", notEligible.Reason)
	assert.Equal(t, 1, notEligible.Eligibility.RecycleCount)

	env.clock.Advance(31 * 24 * time.Hour)

	second, err := env.svc.Recycle(ctx, "c1", from.ID, to.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Eligibility.RecycleCount)

	history, err := env.svc.ListRecyclingHistory(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.History.ID, history[0].ID)
	assert.Equal(t, first.History.ID, history[1].ID)
}

func TestRecycle_CapIsEnforced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	from := env.operator(t, "source")
	to := env.operator(t, "target")

	_, err := env.svc.UpsertRecyclingRule(ctx, model.RecyclingRule{
		SourceOperatorID: from.ID, TargetOperatorID: to.ID,
		MinStage: -1, MaxStage: 3, MaxRecyclesPerUser: 2, IsActive: true,
	})
	require.NoError(t, err)

	_, err = env.svc.RecordLead(ctx, "c1", from.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = env.svc.Recycle(ctx, "c1", from.ID, to.ID)
		require.NoError(t, err)
	}

	_, err = env.svc.Recycle(ctx, "c1", from.ID, to.ID)
	var notEligible *NotEligibleError
	require.True(t, errors.As(err, &notEligible))
	assert.Equal(t, "max recycles reached (2/2)", notEligible.Reason)

	_, err = env.svc.UpsertRecyclingRule(ctx, model.RecyclingRule{
		SourceOperatorID: from.ID, TargetOperatorID: to.ID,
		MinStage: -1, MaxStage: 3, MaxRecyclesPerUser: 3, IsActive: true,
	})
	require.NoError(t, err)

	got, err := env.svc.Evaluate(ctx, "c1", from.ID, to.ID)
	require.NoError(t, err)
	assert.True(t, got.Eligible)
	assert.Equal(t, 2, got.RecycleCount)

	history, err := env.svc.ListRecyclingHistory(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRecycle_DeniedLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	from := env.operator(t, "source", func(op *model.Operator) { op.Status = model.OperatorStatusPaused })
	to := env.operator(t, "target")

	_, err := env.svc.RecordRegistration(ctx, "c1", from.ID)
	require.NoError(t, err)

	before, err := env.svc.ListRecyclingHistory(ctx, "c1")
	require.NoError(t, err)

	_, err = env.svc.Recycle(ctx, "c1", from.ID, to.ID)
	require.ErrorIs(t, err, ErrNotEligible)
	assert.Equal(t, "not eligible: "+ReasonOperatorPaused, err.Error())

	after, err := env.svc.ListRecyclingHistory(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	rows, err := env.svc.GetMetrics(ctx, to.ID, env.clock.Now(), env.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRecycle_SnapshotsSourceState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	from := env.operator(t, "source")
	to := env.operator(t, "target")

	_, err := env.svc.RecordDeposit(ctx, "c1", from.ID, decimal.NewFromInt(40))
	require.NoError(t, err)
	_, err = env.svc.RecordDeposit(ctx, "c1", from.ID, decimal.RequireFromString("12.50"))
	require.NoError(t, err)

	env.clock.Advance(2*24*time.Hour + time.Hour)

	res, err := env.svc.Recycle(ctx, "c1", from.ID, to.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageSecondDeposit, res.History.StageAtRecycle)
	require.NotNil(t, res.History.DaysSinceDeposit)
	assert.Equal(t, 2, *res.History.DaysSinceDeposit)
	assert.True(t, decimal.RequireFromString("12.50").Equal(res.History.LastDepositAmount))
	assert.False(t, res.Eligibility.RuleApplied)

	now := env.clock.Now()
	out, err := env.svc.GetMetrics(ctx, from.ID, now, now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].RecycledOut)

	in, err := env.svc.GetMetrics(ctx, to.ID, now, now)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, int64(1), in[0].RecycledIn)

	// после переноса клиент начинает путь у нового оператора
	_, err = env.svc.StartJourney(ctx, "c1", to.ID, model.JourneyAcquisition)
	require.NoError(t, err)

	got, err := env.svc.Evaluate(ctx, "c1", from.ID, to.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonTargetJourneyExists, got.Reason)
}

func TestRecycle_WithoutSourceJourney(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	from := env.operator(t, "source")
	to := env.operator(t, "target")

	res, err := env.svc.Recycle(ctx, "stranger", from.ID, to.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoSourceJourney, res.Eligibility.Reason)
	assert.Equal(t, model.StageNotRegistered, res.History.StageAtRecycle)
	assert.True(t, res.History.LastDepositAmount.IsZero())
}

func TestRecycle_UnknownOperator(t *testing.T) {
	env := newTestEnv(t)
	from := env.operator(t, "source")

	_, err := env.svc.Recycle(context.Background(), "c1", from.ID, "missing")
	require.ErrorIs(t, err, repository.ErrOperatorNotFound)

	_, err = env.svc.Recycle(context.Background(), "c1", "missing", from.ID)
	require.ErrorIs(t, err, repository.ErrOperatorNotFound)
}

func TestSameOperatorIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	op := env.operator(t, "source")
	env.state(t, "c1", op.ID, nil)

	_, err := env.svc.Evaluate(ctx, "c1", op.ID, op.ID)
	require.ErrorIs(t, err, ErrSameOperator)

	_, err = env.svc.FindEligible(ctx, op.ID, op.ID, 10)
	require.ErrorIs(t, err, ErrSameOperator)

	_, err = env.svc.Recycle(ctx, "c1", op.ID, op.ID)
	require.ErrorIs(t, err, ErrSameOperator)

	history, err := env.repo.ListRecyclingHistory(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRecycle_ConcurrentRespectsCap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	from := env.operator(t, "source")
	to := env.operator(t, "target")

	_, err := env.svc.UpsertRecyclingRule(ctx, model.RecyclingRule{
		SourceOperatorID: from.ID, TargetOperatorID: to.ID,
		MinStage: -1, MaxStage: 3, MaxRecyclesPerUser: 1, IsActive: true,
	})
	require.NoError(t, err)

	_, err = env.svc.RecordRegistration(ctx, "c1", from.ID)
	require.NoError(t, err)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		denied  int
		unknown []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Recycle(ctx, "c1", from.ID, to.ID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrNotEligible):
				denied++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, unknown)
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, denied)

	history, err := env.svc.ListRecyclingHistory(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestFindEligible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	from := env.operator(t, "source", func(op *model.Operator) {
		op.MaxStageForRecycle = model.StageFirstDeposit
	})
	to := env.operator(t, "target")

	env.state(t, "c-a", from.ID, func(st *model.JourneyState) { st.Stage = model.StageRegistered })
	env.state(t, "c-b", from.ID, func(st *model.JourneyState) { st.Stage = model.StageSecondDeposit })
	env.state(t, "c-c", from.ID, func(st *model.JourneyState) { st.Stage = model.StageFirstDeposit })
	env.state(t, "c-d", from.ID, func(st *model.JourneyState) { st.Stage = model.StageRegistered })
	env.state(t, "c-d", to.ID, nil)

	got, err := env.svc.FindEligible(ctx, from.ID, to.ID, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c-a", got[0].State.CustomerID)
	assert.Equal(t, "c-c", got[1].State.CustomerID)
	for _, c := range got {
		assert.True(t, c.Eligibility.Eligible)
	}

	got, err = env.svc.FindEligible(ctx, from.ID, to.ID, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c-a", got[0].State.CustomerID)

	got, err = env.svc.FindEligible(ctx, from.ID, to.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = env.svc.FindEligible(ctx, from.ID, "missing", 5)
	require.ErrorIs(t, err, repository.ErrOperatorNotFound)
}

func TestFindEligible_HugeLimit(t *testing.T) {
	env := newTestEnv(t)
	from := env.operator(t, "source")
	to := env.operator(t, "target")
	env.state(t, "c1", from.ID, nil)

	got, err := env.svc.FindEligible(context.Background(), from.ID, to.ID, math.MaxInt)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].State.CustomerID)
}

func TestFindEligible_PrefersRecentlyUpdated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	from := env.operator(t, "source")
	to := env.operator(t, "target")

	_, err := env.svc.RecordRegistration(ctx, "old", from.ID)
	require.NoError(t, err)
	env.clock.Advance(time.Hour)
	_, err = env.svc.RecordRegistration(ctx, "new", from.ID)
	require.NoError(t, err)

	got, err := env.svc.FindEligible(ctx, from.ID, to.ID, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].State.CustomerID)
	assert.Equal(t, "old", got[1].State.CustomerID)
}
