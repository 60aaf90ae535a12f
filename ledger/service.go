package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// SERVICE - The operation set exposed to callers
// =============================================================================

// Observer receives one call per finished operation. Outcome is one of
// "ok", "duplicate", "rejected" or "error".
type Observer interface {
	Observe(op string, outcome string, elapsed time.Duration)
}

// Service is the ledger facade: earn, allocate, reclaim, getBalance,
// requestService, confirmService, purchaseInEvent and listTransactions, plus
// the administrative operations around them. Each mutating operation is one
// Store.WithTx unit.
type Service struct {
	store       Store
	settings    SettingsProvider
	eligibility EligibilityChecker
	observer    Observer
	log         logrus.FieldLogger
	now         func() time.Time
	newID       func() string
}

type Option func(*Service)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

func WithEligibility(e EligibilityChecker) Option {
	return func(s *Service) { s.eligibility = e }
}

// WithClock overrides time.Now (tests, replays).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

func NewService(store Store, settings SettingsProvider, opts ...Option) *Service {
	nop := logrus.New()
	nop.SetLevel(logrus.PanicLevel)

	s := &Service{
		store:    store,
		settings: settings,
		log:      nop,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// finish logs and observes an operation outcome. It returns err unchanged.
func (s *Service) finish(op string, started time.Time, err error, fields logrus.Fields) error {
	outcome := "ok"
	entry := s.log.WithFields(fields).WithField("op", op)
	switch {
	case err == nil:
		entry.Debug("ledger operation completed")
	case IsClientError(err) || IsNotFound(err):
		outcome = "rejected"
		entry.WithError(err).Warn("ledger operation rejected")
	case errors.Is(err, ErrConcurrencyConflict):
		outcome = "error"
		entry.WithError(err).Warn("ledger operation conflicted")
	default:
		outcome = "error"
		entry.WithError(err).Error("ledger operation failed")
	}
	s.observe(op, outcome, started)
	return err
}

func (s *Service) observe(op, outcome string, started time.Time) {
	if s.observer != nil {
		s.observer.Observe(op, outcome, time.Since(started))
	}
}

func requireMember(field string, m MemberID) error {
	if m == "" {
		return invalid(field, "member id is required")
	}
	return nil
}
