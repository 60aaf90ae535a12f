package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/logging"
)

const sample = `
[server]
port = 9090

[database]
path = "/var/lib/points/ledger.db"

[logging]
level = "debug"
format = "json"

[ratelimit]
backend = "redis"
limit = 30
window = "30s"
redis_addr = "localhost:6379"

[scheduler]
allocation_ttl = "720h"

[ledger]
allocation_min = 1
allocation_max = 5
reward_to_timebank_rate = "0.5"

[fiscal]
regular_members = ["alice"]

[[earning_rules]]
event_type = "lesson_completed"
amount = 12
min_threshold = 70

[[earning_rules]]
event_type = "vote_cast"
currency = "sp"
amount = 1
active = false
`

// =============================================================================
// PARSING
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Len(t, cfg.Rules(), len(ledger.EventTypes))
	assert.True(t, cfg.Ledger.AllocationMax.Equal(decimal.NewFromInt(10)))
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse(sample)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout.Duration, "unset keys keep defaults")
	assert.Equal(t, Default().Server.ShutdownTimeout, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window.Duration)
	assert.Equal(t, 720*time.Hour, cfg.Scheduler.AllocationTTL.Duration)
	assert.True(t, cfg.Ledger.RewardToTimebankRate.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, cfg.Ledger.PurchaseTolerance.Equal(ledger.DefaultPurchaseTolerance))

	rules := cfg.Rules()
	require.Len(t, rules, 2, "file rules replace the defaults")
	lesson := rules[ledger.EventLessonCompleted]
	assert.True(t, lesson.Active)
	assert.True(t, lesson.Amount.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, ledger.Currency(""), lesson.Currency)

	vote := rules[ledger.EventVoteCast]
	assert.False(t, vote.Active)
	assert.Equal(t, ledger.CurrencySP, vote.Currency)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse("[server]\nprot = 80\n")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.prot")
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{"bounds inverted", "[ledger]\nallocation_min = 5\nallocation_max = 2\n", "allocation_min"},
		{"redis without addr", "[ratelimit]\nbackend = \"redis\"\n", "redis_addr"},
		{"unknown event", "[[earning_rules]]\nevent_type = \"likes\"\namount = 1\n", "unknown event_type"},
		{"SH rule", "[[earning_rules]]\nevent_type = \"forum_post\"\ncurrency = \"SH\"\namount = 1\n", "currency"},
		{"zero amount", "[[earning_rules]]\nevent_type = \"forum_post\"\namount = 0\n", "amount must be positive"},
		{"duplicate rule", "[[earning_rules]]\nevent_type = \"forum_post\"\namount = 1\n[[earning_rules]]\nevent_type = \"forum_post\"\namount = 2\n", "duplicate"},
		{"bad duration", "[ratelimit]\nwindow = \"soon\"\n", "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.toml)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// =============================================================================
// LIVE SETTINGS
// =============================================================================

func writeConfig(t *testing.T, path, body string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestFileSettings_ReloadsOnChange(t *testing.T) {
	// GIVEN: Settings loaded from a file
	// WHEN: The file is rewritten with a new rate, then with garbage
	// THEN: The new rate is served, and the garbage keeps the last good value

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.toml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "[ledger]\nreward_to_timebank_rate = \"0.5\"\n", base)

	settings, err := NewFileSettings(path, logging.Discard())
	require.NoError(t, err)

	rate, err := settings.RewardToTimebankRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.5", rate.String())

	writeConfig(t, path, "[ledger]\nreward_to_timebank_rate = \"0.25\"\n", base.Add(time.Minute))
	rate, _ = settings.RewardToTimebankRate(ctx)
	assert.Equal(t, "0.25", rate.String())

	writeConfig(t, path, "[ledger\n", base.Add(2*time.Minute))
	rate, _ = settings.RewardToTimebankRate(ctx)
	assert.Equal(t, "0.25", rate.String())
}

func TestFileSettings_RulesAndBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.toml")
	writeConfig(t, path, sample, time.Now())

	settings, err := NewFileSettings(path, logging.Discard())
	require.NoError(t, err)
	ctx := context.Background()

	rule, ok, err := settings.EarningRule(ctx, ledger.EventLessonCompleted)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rule.MinThreshold.Equal(decimal.NewFromInt(70)))

	_, ok, err = settings.EarningRule(ctx, ledger.EventForumPost)
	require.NoError(t, err)
	assert.False(t, ok)

	bounds, err := settings.AllocationBounds(ctx)
	require.NoError(t, err)
	assert.True(t, bounds.Max.Equal(decimal.NewFromInt(5)))

	fiscal := settings.FiscalRegistry()
	regular, err := fiscal.FiscallyRegular(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, regular)
	regular, err = fiscal.FiscallyRegular(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, regular)
}

func TestNewFileSettings_MissingFile(t *testing.T) {
	_, err := NewFileSettings(filepath.Join(t.TempDir(), "absent.toml"), logging.Discard())
	assert.Error(t, err)
}

func TestFiscalRegistry_Static(t *testing.T) {
	r := NewFiscalRegistry("carol")

	ok, err := r.FiscallyRegular(context.Background(), "carol")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStatic_MirrorsConfig(t *testing.T) {
	cfg, err := Parse(sample)
	require.NoError(t, err)
	ctx := context.Background()

	s := cfg.Static()

	bounds, err := s.AllocationBounds(ctx)
	require.NoError(t, err)
	assert.True(t, bounds.Max.Equal(decimal.NewFromInt(5)))
	rate, err := s.RewardToTimebankRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.5", rate.String())
	_, ok, err := s.EarningRule(ctx, ledger.EventVoteCast)
	require.NoError(t, err)
	assert.True(t, ok)
}
