package config

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/points-ledger/ledger"
)

// =============================================================================
// FILE SETTINGS - ledger.SettingsProvider backed by the config file
// =============================================================================

// FileSettings resolves ledger settings from the config file at call time.
// The file is re-read whenever its modification time changes; an edit that
// fails to parse or validate is logged and the last good values stay in
// force.
type FileSettings struct {
	path string
	log  logrus.FieldLogger

	mu      sync.Mutex
	modTime time.Time
	size    int64
	current Config
}

var (
	_ ledger.SettingsProvider   = (*FileSettings)(nil)
	_ ledger.EligibilityChecker = (*FiscalRegistry)(nil)
)

// NewFileSettings loads path once and fails if that first load fails.
func NewFileSettings(path string, log logrus.FieldLogger) (*FileSettings, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &FileSettings{
		path:    path,
		log:     log,
		modTime: fi.ModTime(),
		size:    fi.Size(),
		current: cfg,
	}, nil
}

// Config returns the current configuration, reloading it first if the file
// changed on disk.
func (f *FileSettings) Config() Config {
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, err := os.Stat(f.path)
	if err != nil {
		f.log.WithError(err).WithField("path", f.path).Warn("config file unreadable, keeping last good settings")
		return f.current
	}
	if fi.ModTime().Equal(f.modTime) && fi.Size() == f.size {
		return f.current
	}

	cfg, err := Load(f.path)
	f.modTime, f.size = fi.ModTime(), fi.Size()
	if err != nil {
		f.log.WithError(err).WithField("path", f.path).Warn("config reload rejected, keeping last good settings")
		return f.current
	}
	f.current = cfg
	f.log.WithField("path", f.path).Info("ledger settings reloaded")
	return f.current
}

func (f *FileSettings) EarningRule(_ context.Context, t ledger.EventType) (ledger.EarningRule, bool, error) {
	r, ok := f.Config().Rules()[t]
	return r, ok, nil
}

func (f *FileSettings) AllocationBounds(context.Context) (ledger.AllocationBounds, error) {
	l := f.Config().Ledger
	return ledger.AllocationBounds{Min: l.AllocationMin, Max: l.AllocationMax}, nil
}

func (f *FileSettings) RewardToTimebankRate(context.Context) (decimal.Decimal, error) {
	return f.Config().Ledger.RewardToTimebankRate, nil
}

func (f *FileSettings) PurchaseTolerance(context.Context) (decimal.Decimal, error) {
	return f.Config().Ledger.PurchaseTolerance, nil
}

// FiscalRegistry returns an eligibility checker that follows the live
// fiscal.regular_members list.
func (f *FileSettings) FiscalRegistry() *FiscalRegistry {
	return &FiscalRegistry{members: func() []string { return f.Config().Fiscal.RegularMembers }}
}

// =============================================================================
// FISCAL REGISTRY
// =============================================================================

// FiscalRegistry answers fiscal regularity from a configured member list.
type FiscalRegistry struct {
	members func() []string
}

func NewFiscalRegistry(members ...string) *FiscalRegistry {
	return &FiscalRegistry{members: func() []string { return members }}
}

func (r *FiscalRegistry) FiscallyRegular(_ context.Context, member ledger.MemberID) (bool, error) {
	for _, m := range r.members() {
		if ledger.MemberID(m) == member {
			return true, nil
		}
	}
	return false, nil
}

// Static freezes the configuration into an in-process provider. Used when
// no config file backs the process.
func (c Config) Static() *ledger.StaticSettings {
	rules := make([]ledger.EarningRule, 0, len(c.EarningRules))
	for _, r := range c.EarningRules {
		rules = append(rules, r.rule())
	}
	s := ledger.NewStaticSettings(rules...)
	s.SetAllocationBounds(ledger.AllocationBounds{Min: c.Ledger.AllocationMin, Max: c.Ledger.AllocationMax})
	s.SetRewardToTimebankRate(c.Ledger.RewardToTimebankRate)
	s.SetPurchaseTolerance(c.Ledger.PurchaseTolerance)
	return s
}
