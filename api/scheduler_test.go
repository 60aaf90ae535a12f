package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/ledger/store"
)

type recordedRun struct {
	job string
	err error
}

type jobRecorder struct{ runs []recordedRun }

func (r *jobRecorder) JobRun(job string, err error) { r.runs = append(r.runs, recordedRun{job, err}) }

type schedulerEnv struct {
	sched *Scheduler
	svc   *ledger.Service
	store ledger.Store
	hook  *logtest.Hook
	rec   *jobRecorder
	now   time.Time
}

func newSchedulerEnv(t *testing.T) *schedulerEnv {
	t.Helper()
	now := epoch
	mem := store.NewMemory()
	settings := ledger.NewStaticSettings(
		ledger.EarningRule{EventType: ledger.EventVoteCast, Currency: ledger.CurrencySP, Amount: decimal.NewFromInt(5), Active: true},
		ledger.EarningRule{EventType: ledger.EventOnboardingStep, Currency: ledger.CurrencyTBC, Amount: decimal.NewFromInt(5), Active: true},
	)
	env := &schedulerEnv{store: mem, now: now, rec: &jobRecorder{}}
	env.svc = ledger.NewService(mem, settings, ledger.WithClock(func() time.Time { return env.now }))

	log, hook := logtest.NewNullLogger()
	env.hook = hook

	cfg := config.Default().Scheduler
	sched, err := NewScheduler(env.svc, cfg, log, env.rec)
	require.NoError(t, err)
	sched.now = func() time.Time { return env.now }
	env.sched = sched
	return env
}

func TestNewScheduler_RejectsBadSpec(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	cfg := config.Default().Scheduler
	cfg.Audit = "every now and then"

	_, err := NewScheduler(nil, cfg, log, nil)
	assert.Error(t, err)
}

func TestScheduler_ExpireAllocations(t *testing.T) {
	// GIVEN: An allocation made 100 days ago and a 90 day TTL
	// WHEN: The expiry job runs
	// THEN: The SP is back in available

	env := newSchedulerEnv(t)
	ctx := context.Background()
	_, err := env.svc.Earn(ctx, ledger.EarnRequest{MemberID: "alice", Event: ledger.VoteCast{ProposalID: "p-1", Choice: "yes"}})
	require.NoError(t, err)
	_, err = env.svc.Allocate(ctx, ledger.AllocateRequest{MemberID: "alice", TargetType: "proposal", TargetID: "p-7", Amount: decimal.NewFromInt(4)})
	require.NoError(t, err)

	env.now = env.now.Add(100 * 24 * time.Hour)
	env.sched.runJob("expire_allocations", env.sched.ExpireAllocations)

	b, err := env.svc.GetBalance(ctx, "alice", ledger.CurrencySP)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(decimal.NewFromInt(5)))
	assert.True(t, b.Allocated.IsZero())
	require.Len(t, env.rec.runs, 1)
	assert.NoError(t, env.rec.runs[0].err)
}

func TestScheduler_AuditReportsDriftWithoutRepair(t *testing.T) {
	env := newSchedulerEnv(t)
	ctx := context.Background()
	_, err := env.svc.Earn(ctx, ledger.EarnRequest{MemberID: "alice", Event: ledger.OnboardingStep{Step: "profile"}})
	require.NoError(t, err)

	drifted, err := env.sched.audit(ctx)
	require.NoError(t, err)
	assert.Zero(t, drifted)

	require.NoError(t, env.store.WithTx(ctx, func(tx ledger.Tx) error {
		b, _, err := tx.LockBalance(ctx, "alice", ledger.CurrencyTBC)
		if err != nil {
			return err
		}
		b.Available = decimal.NewFromInt(50)
		return tx.PutBalance(ctx, b)
	}))

	drifted, err = env.sched.audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drifted)

	var errorsLogged int
	for _, e := range env.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errorsLogged++
			assert.Equal(t, ledger.CurrencyTBC, e.Data["currency"])
		}
	}
	assert.Equal(t, 1, errorsLogged)

	b, err := env.svc.GetBalance(ctx, "alice", ledger.CurrencyTBC)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(decimal.NewFromInt(50)), "the sweep only reports")
}

func TestScheduler_ReportStaleTimebank(t *testing.T) {
	env := newSchedulerEnv(t)
	ctx := context.Background()
	_, err := env.svc.Earn(ctx, ledger.EarnRequest{MemberID: "receiver", Event: ledger.OnboardingStep{Step: "profile"}})
	require.NoError(t, err)
	tb, err := env.svc.RequestService(ctx, ledger.ServiceRequest{
		ReceiverID: "receiver", ProviderID: "provider", Description: "tutoring", Cost: decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	env.now = env.now.Add(8 * 24 * time.Hour)
	env.hook.Reset()
	require.NoError(t, env.sched.ReportStaleTimebank(ctx))

	entry := env.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, tb.ID, entry.Data["timebank_id"])
}

func TestScheduler_RunJobRecordsFailure(t *testing.T) {
	env := newSchedulerEnv(t)
	boom := errors.New("boom")

	env.sched.runJob("audit", func(context.Context) error { return boom })

	require.Len(t, env.rec.runs, 1)
	assert.Equal(t, "audit", env.rec.runs[0].job)
	assert.ErrorIs(t, env.rec.runs[0].err, boom)
	assert.Equal(t, logrus.ErrorLevel, env.hook.LastEntry().Level)
}
