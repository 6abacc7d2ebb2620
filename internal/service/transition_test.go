package service

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/journey-engine/internal/model"
	"github.com/mmeshcher/journey-engine/internal/repository"
)

func TestRegistrationThenDeposits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	op := env.operator(t, "lucky")

	tr, err := env.svc.RecordRegistration(ctx, "c1", op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageRegistered, tr.State.Stage)
	require.NotNil(t, tr.State.CurrentJourney)
	assert.Equal(t, model.JourneyAcquisition, *tr.State.CurrentJourney)
	require.NotNil(t, tr.Change)
	assert.Equal(t, model.StageNotRegistered, tr.Change.OldStage)
	assert.Equal(t, model.StageRegistered, tr.Change.NewStage)
	assert.False(t, tr.Change.JourneySwitch)

	tr, err = env.svc.RecordDeposit(ctx, "c1", op.ID, decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.Equal(t, model.StageFirstDeposit, tr.State.Stage)
	assert.Equal(t, model.JourneyRetention, *tr.State.CurrentJourney)
	assert.Equal(t, 1, tr.State.DepositCount)
	assert.True(t, decimal.NewFromInt(50).Equal(tr.State.TotalDepositValue))
	require.NotNil(t, tr.Change)
	assert.True(t, tr.Change.JourneySwitch)
	assert.Equal(t, model.EventDeposit, tr.Change.Trigger)

	tr, err = env.svc.RecordDeposit(ctx, "c1", op.ID, decimal.NewFromInt(30))
	require.NoError(t, err)
	assert.Equal(t, model.StageSecondDeposit, tr.State.Stage)
	assert.Equal(t, 2, tr.State.DepositCount)
	assert.True(t, decimal.NewFromInt(80).Equal(tr.State.TotalDepositValue))
	assert.True(t, decimal.NewFromInt(30).Equal(tr.State.LastDepositAmount))
	require.NotNil(t, tr.Change)
	assert.False(t, tr.Change.JourneySwitch)

	stored, err := env.svc.GetJourneyState(ctx, "c1", op.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.State.Stage, stored.Stage)
	require.NotNil(t, stored.LastDepositAt)
	assert.True(t, env.clock.Now().Equal(*stored.LastDepositAt))
}

func TestStageIsMonotonicAndCapped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	op := env.operator(t, "lucky")

	_, err := env.svc.RecordRegistration(ctx, "c1", op.ID)
	require.NoError(t, err)

	prev := model.StageRegistered
	for i := 1; i <= 6; i++ {
		tr, err := env.svc.RecordDeposit(ctx, "c1", op.ID, decimal.NewFromInt(10))
		require.NoError(t, err)

		want := i
		if want > model.StageHighValue {
			want = model.StageHighValue
		}
		assert.Equal(t, want, tr.State.Stage, "deposit %d", i)
		assert.GreaterOrEqual(t, tr.State.Stage, prev)
		prev = tr.State.Stage
	}

	// повторная регистрация не откатывает стадию
	tr, err := env.svc.RecordRegistration(ctx, "c1", op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageHighValue, tr.State.Stage)
	assert.Nil(t, tr.Change)
	assert.True(t, tr.State.IsHighValue())
}

func TestJourneySwitchHappensOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	op := env.operator(t, "lucky")

	switches := 0
	count := func(tr *model.Transition) {
		if tr.Change != nil && tr.Change.JourneySwitch {
			switches++
		}
	}

	tr, err := env.svc.RecordLead(ctx, "c1", op.ID)
	require.NoError(t, err)
	count(tr)
	tr, err = env.svc.RecordRegistration(ctx, "c1", op.ID)
	require.NoError(t, err)
	count(tr)
	for i := 0; i < 5; i++ {
		tr, err = env.svc.RecordDeposit(ctx, "c1", op.ID, decimal.NewFromInt(5))
		require.NoError(t, err)
		count(tr)
	}

	assert.Equal(t, 1, switches)
	assert.Equal(t, model.JourneyRetention, *tr.State.CurrentJourney)
}

func TestDepositWithoutRegistration(t *testing.T) {
	env := newTestEnv(t)
	op := env.operator(t, "lucky")

	tr, err := env.svc.RecordDeposit(context.Background(), "c1", op.ID, decimal.NewFromInt(20))
	require.NoError(t, err)
	assert.Equal(t, model.StageFirstDeposit, tr.State.Stage)
	require.NotNil(t, tr.State.CurrentJourney)
	assert.Equal(t, model.JourneyRetention, *tr.State.CurrentJourney)
	require.NotNil(t, tr.Change)
	assert.True(t, tr.Change.JourneySwitch)
}

func TestStartedRetentionJourneyDoesNotSwitch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	op := env.operator(t, "lucky")

	_, err := env.svc.StartJourney(ctx, "c1", op.ID, model.JourneyRetention)
	require.NoError(t, err)

	tr, err := env.svc.RecordDeposit(ctx, "c1", op.ID, decimal.NewFromInt(20))
	require.NoError(t, err)
	require.NotNil(t, tr.Change)
	assert.False(t, tr.Change.JourneySwitch)
	assert.Equal(t, model.StageFirstDeposit, tr.Change.NewStage)
}

func TestLeadDoesNotChangeStage(t *testing.T) {
	env := newTestEnv(t)
	op := env.operator(t, "lucky")

	tr, err := env.svc.RecordLead(context.Background(), "c1", op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageNotRegistered, tr.State.Stage)
	assert.Nil(t, tr.State.CurrentJourney)
	assert.Nil(t, tr.Change)
}

func TestRecordDeposit_Rejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	op := env.operator(t, "lucky")

	_, err := env.svc.RecordDeposit(ctx, "c1", op.ID, decimal.NewFromInt(-1))
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.svc.RecordDeposit(ctx, "c1", "missing", decimal.NewFromInt(10))
	require.ErrorIs(t, err, repository.ErrOperatorNotFound)

	_, err = env.svc.RecordDeposit(ctx, "", op.ID, decimal.NewFromInt(10))
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = env.svc.GetJourneyState(ctx, "c1", op.ID)
	require.ErrorIs(t, err, repository.ErrJourneyStateNotFound)

	totals, err := env.repo.GetMetricsTotals(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MetricsTotals{}, totals)
}

func TestRecordDeposit_AmountMustFitMoneyColumn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	op := env.operator(t, "lucky")

	tests := []struct {
		name   string
		amount string
	}{
		{"sub-cent", "0.004"},
		{"three places", "12.345"},
		{"out of range", "10000000000000000"},
		{"negative", "-0.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.RecordDeposit(ctx, "c1", op.ID, decimal.RequireFromString(tt.amount))
			require.ErrorIs(t, err, ErrInvalidAmount)
		})
	}

	_, err := env.svc.GetJourneyState(ctx, "c1", op.ID)
	require.ErrorIs(t, err, repository.ErrJourneyStateNotFound)

	tr, err := env.svc.RecordDeposit(ctx, "c1", op.ID, decimal.RequireFromString("1.500"))
	require.NoError(t, err)
	assert.Equal(t, "1.5", tr.State.TotalDepositValue.String())
	assert.Equal(t, int32(-2), tr.State.LastDepositAmount.Exponent())
}

func TestRecordDeposit_TotalOutOfRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	op := env.operator(t, "lucky")

	almost := decimal.RequireFromString("9999999999999999.99")
	_, err := env.svc.RecordDeposit(ctx, "c1", op.ID, almost)
	require.NoError(t, err)

	_, err = env.svc.RecordDeposit(ctx, "c1", op.ID, decimal.RequireFromString("0.01"))
	require.ErrorIs(t, err, ErrInvalidAmount)

	st, err := env.svc.GetJourneyState(ctx, "c1", op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.DepositCount)
	assert.True(t, almost.Equal(st.TotalDepositValue))
}

func TestZeroDepositCounts(t *testing.T) {
	env := newTestEnv(t)
	op := env.operator(t, "lucky")

	tr, err := env.svc.RecordDeposit(context.Background(), "c1", op.ID, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.State.DepositCount)
	assert.Equal(t, model.StageFirstDeposit, tr.State.Stage)
}

func TestStartJourney_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	op := env.operator(t, "lucky")

	st, err := env.svc.StartJourney(ctx, "c1", op.ID, model.JourneyAcquisition)
	require.NoError(t, err)
	assert.Equal(t, model.StageNotRegistered, st.Stage)

	_, err = env.svc.RecordDeposit(ctx, "c1", op.ID, decimal.NewFromInt(10))
	require.NoError(t, err)

	_, err = env.svc.StartJourney(ctx, "c1", op.ID, model.JourneyAcquisition)
	require.ErrorIs(t, err, repository.ErrDuplicateJourneyState)

	stored, err := env.svc.GetJourneyState(ctx, "c1", op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFirstDeposit, stored.Stage)
	assert.Equal(t, 1, stored.DepositCount)
}

func TestStartJourney_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	op := env.operator(t, "lucky")

	_, err := env.svc.StartJourney(ctx, "c1", op.ID, "LOYALTY")
	require.ErrorIs(t, err, ErrInvalidJourney)

	_, err = env.svc.StartJourney(ctx, "c1", "missing", model.JourneyAcquisition)
	require.ErrorIs(t, err, repository.ErrOperatorNotFound)

	st, err := env.svc.StartJourney(ctx, "c2", op.ID, "")
	require.NoError(t, err)
	assert.Nil(t, st.CurrentJourney)
}

func TestConcurrentDeposits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	op := env.operator(t, "lucky")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.RecordDeposit(ctx, "c1", op.ID, decimal.NewFromInt(5))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	st, err := env.svc.GetJourneyState(ctx, "c1", op.ID)
	require.NoError(t, err)
	assert.Equal(t, n, st.DepositCount)
	assert.Equal(t, model.StageHighValue, st.Stage)
	assert.True(t, decimal.NewFromInt(5*n).Equal(st.TotalDepositValue))

	totals, err := env.repo.GetMetricsTotals(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.FTD)
}

func TestRecordMessageSent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	op := env.operator(t, "lucky")

	_, err := env.svc.RecordMessageSent(ctx, "c1", op.ID, model.ChannelEmail)
	require.ErrorIs(t, err, repository.ErrJourneyStateNotFound)

	_, err = env.svc.RecordRegistration(ctx, "c1", op.ID)
	require.NoError(t, err)

	_, err = env.svc.RecordMessageSent(ctx, "c1", op.ID, "PUSH")
	require.ErrorIs(t, err, ErrInvalidChannel)

	_, err = env.svc.RecordMessageSent(ctx, "c1", op.ID, model.ChannelEmail)
	require.NoError(t, err)
	st, err := env.svc.RecordMessageSent(ctx, "c1", op.ID, model.ChannelSMS)
	require.NoError(t, err)

	assert.Equal(t, 1, st.EmailCount)
	assert.Equal(t, 1, st.SMSCount)
	require.NotNil(t, st.LastEmailAt)
	require.NotNil(t, st.LastSMSAt)
	assert.Equal(t, model.StageRegistered, st.Stage)

	rows, err := env.svc.GetMetrics(ctx, op.ID, env.clock.Now(), env.clock.Now())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Messages)
}
