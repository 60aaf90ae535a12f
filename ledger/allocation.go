/*
allocation.go - Allocation/Reclaim Manager

PURPOSE:
  Directs Support Points at governance targets (proposals, groups) and
  recovers them when the target closes or the member withdraws.

ALLOCATE:
  Bounds come from settings (default 1-10, whole points). In one unit:
  available -= amount, allocated += amount, one Allocation row (active),
  one allocate transaction.

RECLAIM:
  Sums every active allocation of (member, target), moves the sum from
  allocated back to available, marks the allocations reclaimed and writes one
  reclaim transaction. No active allocations is a successful no-op.

EXPIRY:
  ExpireAllocations is an external trigger (cron job, CLI). Expired SP return
  to available exactly like a reclaim; only the allocation status differs.
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type AllocateRequest struct {
	MemberID   MemberID
	TargetType string
	TargetID   string
	Amount     decimal.Decimal
}

type AllocationResult struct {
	Allocation  Allocation
	Balance     Balance
	Transaction Transaction
}

type ReclaimRequest struct {
	MemberID   MemberID
	TargetType string
	TargetID   string
}

type ReclaimResult struct {
	Reclaimed   decimal.Decimal
	Allocations []Allocation
	Balance     Balance
	// Transaction is nil when there was nothing to reclaim.
	Transaction *Transaction
}

func validateTarget(targetType, targetID string) error {
	if strings.TrimSpace(targetType) == "" {
		return invalid("target_type", "is required")
	}
	if strings.TrimSpace(targetID) == "" {
		return invalid("target_id", "is required")
	}
	return nil
}

// =============================================================================
// ALLOCATE
// =============================================================================

func (s *Service) Allocate(ctx context.Context, req AllocateRequest) (AllocationResult, error) {
	started := time.Now()
	res, err := s.allocate(ctx, req)
	return res, s.finish("allocate", started, err, logrus.Fields{
		"member_id":   req.MemberID,
		"currency":    CurrencySP,
		"target_type": req.TargetType,
		"target_id":   req.TargetID,
		"amount":      req.Amount.String(),
	})
}

func (s *Service) allocate(ctx context.Context, req AllocateRequest) (AllocationResult, error) {
	if err := requireMember("member_id", req.MemberID); err != nil {
		return AllocationResult{}, err
	}
	if err := validateTarget(req.TargetType, req.TargetID); err != nil {
		return AllocationResult{}, err
	}
	bounds, err := s.settings.AllocationBounds(ctx)
	if err != nil {
		return AllocationResult{}, err
	}
	if !req.Amount.IsInteger() {
		return AllocationResult{}, invalid("amount", "must be a whole number of points, got %s", req.Amount)
	}
	if req.Amount.LessThan(bounds.Min) || req.Amount.GreaterThan(bounds.Max) {
		return AllocationResult{}, invalid("amount", "must be within %s-%s, got %s", bounds.Min, bounds.Max, req.Amount)
	}

	var res AllocationResult
	err = s.store.WithTx(ctx, func(tx Tx) error {
		alloc := Allocation{
			ID:          AllocationID(s.newID()),
			MemberID:    req.MemberID,
			TargetType:  req.TargetType,
			TargetID:    req.TargetID,
			Amount:      req.Amount,
			Status:      AllocationActive,
			AllocatedAt: s.now(),
		}
		entry, bal, err := s.record(ctx, tx, Transaction{
			MemberID:   req.MemberID,
			Currency:   CurrencySP,
			Type:       TxAllocate,
			Amount:     req.Amount,
			Source:     "allocation",
			TargetType: req.TargetType,
			TargetID:   req.TargetID,
			Metadata:   map[string]string{"allocation_id": string(alloc.ID)},
			CreatedAt:  alloc.AllocatedAt,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertAllocation(ctx, alloc); err != nil {
			return err
		}
		res = AllocationResult{Allocation: alloc, Balance: bal, Transaction: entry}
		return nil
	})
	if err != nil {
		return AllocationResult{}, err
	}
	return res, nil
}

// =============================================================================
// RECLAIM
// =============================================================================

func (s *Service) Reclaim(ctx context.Context, req ReclaimRequest) (ReclaimResult, error) {
	started := time.Now()
	res, err := s.reclaim(ctx, req)
	return res, s.finish("reclaim", started, err, logrus.Fields{
		"member_id":   req.MemberID,
		"currency":    CurrencySP,
		"target_type": req.TargetType,
		"target_id":   req.TargetID,
	})
}

func (s *Service) reclaim(ctx context.Context, req ReclaimRequest) (ReclaimResult, error) {
	if err := requireMember("member_id", req.MemberID); err != nil {
		return ReclaimResult{}, err
	}
	if err := validateTarget(req.TargetType, req.TargetID); err != nil {
		return ReclaimResult{}, err
	}

	var res ReclaimResult
	err := s.store.WithTx(ctx, func(tx Tx) error {
		active, err := tx.ActiveAllocations(ctx, req.MemberID, req.TargetType, req.TargetID)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			bal, ok, err := tx.GetBalance(ctx, req.MemberID, CurrencySP)
			if err != nil {
				return err
			}
			if !ok {
				bal = ZeroBalance(req.MemberID, CurrencySP)
			}
			res = ReclaimResult{Reclaimed: decimal.Zero, Balance: bal}
			return nil
		}
		res, err = s.closeAllocations(ctx, tx, req.MemberID, req.TargetType, req.TargetID, active, AllocationReclaimed)
		return err
	})
	if err != nil {
		return ReclaimResult{}, err
	}
	return res, nil
}

// closeAllocations returns the summed SP of allocs (all belonging to member
// and target) to available and closes them with status. One transaction is
// written for the whole group.
func (s *Service) closeAllocations(ctx context.Context, tx Tx, member MemberID, targetType, targetID string, allocs []Allocation, status AllocationStatus) (ReclaimResult, error) {
	at := s.now()
	total := decimal.Zero
	ids := make([]string, 0, len(allocs))
	for _, a := range allocs {
		total = total.Add(a.Amount)
		ids = append(ids, string(a.ID))
	}

	source := "reclaim"
	if status == AllocationExpired {
		source = "allocation_expired"
	}
	entry, bal, err := s.record(ctx, tx, Transaction{
		MemberID:   member,
		Currency:   CurrencySP,
		Type:       TxReclaim,
		Amount:     total,
		Source:     source,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   map[string]string{"allocation_ids": strings.Join(ids, ",")},
		CreatedAt:  at,
	})
	if err != nil {
		return ReclaimResult{}, err
	}

	closed := make([]Allocation, 0, len(allocs))
	for _, a := range allocs {
		if err := tx.CloseAllocation(ctx, a.ID, status, at); err != nil {
			return ReclaimResult{}, err
		}
		a.Status = status
		a.ClosedAt = &at
		closed = append(closed, a)
	}
	return ReclaimResult{Reclaimed: total, Allocations: closed, Balance: bal, Transaction: &entry}, nil
}

// =============================================================================
// TARGET CLOSE & EXPIRY - External triggers
// =============================================================================

// ReclaimTarget reclaims every member's active allocations for a target that
// closed or was cancelled. Each member is its own atomic unit; the first
// failure stops the sweep and is returned with the results so far.
func (s *Service) ReclaimTarget(ctx context.Context, targetType, targetID string) ([]ReclaimResult, error) {
	if err := validateTarget(targetType, targetID); err != nil {
		return nil, err
	}
	active, err := s.store.ActiveAllocationsForTarget(ctx, targetType, targetID)
	if err != nil {
		return nil, err
	}

	var results []ReclaimResult
	seen := make(map[MemberID]bool)
	for _, a := range active {
		if seen[a.MemberID] {
			continue
		}
		seen[a.MemberID] = true
		res, err := s.Reclaim(ctx, ReclaimRequest{MemberID: a.MemberID, TargetType: targetType, TargetID: targetID})
		if err != nil {
			return results, err
		}
		if res.Transaction != nil {
			results = append(results, res)
		}
	}
	return results, nil
}

// ExpireAllocations expires active allocations made before cutoff. Each
// (member, target) group is expired in its own unit and re-read inside it,
// so allocations reclaimed concurrently are skipped rather than returned twice.
func (s *Service) ExpireAllocations(ctx context.Context, cutoff time.Time) ([]ReclaimResult, error) {
	started := time.Now()
	candidates, err := s.store.ActiveAllocationsBefore(ctx, cutoff)
	if err != nil {
		return nil, s.finish("expire_allocations", started, err, nil)
	}

	type group struct {
		member             MemberID
		targetType, target string
	}
	var order []group
	byGroup := make(map[group]map[AllocationID]bool)
	for _, a := range candidates {
		g := group{a.MemberID, a.TargetType, a.TargetID}
		if byGroup[g] == nil {
			byGroup[g] = make(map[AllocationID]bool)
			order = append(order, g)
		}
		byGroup[g][a.ID] = true
	}

	var results []ReclaimResult
	for _, g := range order {
		var res ReclaimResult
		err := s.store.WithTx(ctx, func(tx Tx) error {
			active, err := tx.ActiveAllocations(ctx, g.member, g.targetType, g.target)
			if err != nil {
				return err
			}
			var due []Allocation
			for _, a := range active {
				if byGroup[g][a.ID] {
					due = append(due, a)
				}
			}
			if len(due) == 0 {
				return nil
			}
			res, err = s.closeAllocations(ctx, tx, g.member, g.targetType, g.target, due, AllocationExpired)
			return err
		})
		if err != nil {
			return results, s.finish("expire_allocations", started, err, logrus.Fields{"member_id": g.member})
		}
		if res.Transaction != nil {
			results = append(results, res)
		}
	}
	return results, s.finish("expire_allocations", started, nil, logrus.Fields{"expired_groups": len(results)})
}

// ListAllocations returns a member's allocations, newest first.
func (s *Service) ListAllocations(ctx context.Context, member MemberID, activeOnly bool) ([]Allocation, error) {
	if err := requireMember("member_id", member); err != nil {
		return nil, err
	}
	return s.store.ListAllocations(ctx, member, activeOnly)
}
