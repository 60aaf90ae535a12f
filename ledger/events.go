package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONTRIBUTION EVENTS - Tagged union resolved at the boundary
// =============================================================================

type EventType string

const (
	EventCodeContribution  EventType = "code_contribution"
	EventLessonCompleted   EventType = "lesson_completed"
	EventForumPost         EventType = "forum_post"
	EventProposalSubmitted EventType = "proposal_submitted"
	EventVoteCast          EventType = "vote_cast"
	EventOnboardingStep    EventType = "onboarding_step"
)

// EventTypes lists every kind DecodeEvent understands.
var EventTypes = []EventType{
	EventCodeContribution, EventLessonCompleted, EventForumPost,
	EventProposalSubmitted, EventVoteCast, EventOnboardingStep,
}

func (t EventType) Known() bool {
	for _, k := range EventTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Event is one contribution the earning engine can award. Every kind has an
// explicit payload; SourceID identifies the contribution for deduplication
// and Measure feeds the rule's minimum-threshold guard.
type Event interface {
	Type() EventType
	SourceID() string
	Measure() decimal.Decimal
	Validate() error
	Labels() map[string]string
}

// CodeContribution is a merged change in a repository.
type CodeContribution struct {
	Repository   string `json:"repository"`
	ChangeID     string `json:"change_id"`
	LinesChanged int    `json:"lines_changed"`
}

func (e CodeContribution) Type() EventType          { return EventCodeContribution }
func (e CodeContribution) SourceID() string         { return e.Repository + "#" + e.ChangeID }
func (e CodeContribution) Measure() decimal.Decimal { return decimal.NewFromInt(int64(e.LinesChanged)) }

func (e CodeContribution) Validate() error {
	if strings.TrimSpace(e.Repository) == "" {
		return invalid("repository", "is required")
	}
	if strings.TrimSpace(e.ChangeID) == "" {
		return invalid("change_id", "is required")
	}
	if e.LinesChanged < 0 {
		return invalid("lines_changed", "must not be negative")
	}
	return nil
}

func (e CodeContribution) Labels() map[string]string {
	return map[string]string{"repository": e.Repository, "change_id": e.ChangeID, "lines_changed": fmt.Sprint(e.LinesChanged)}
}

// LessonCompleted is an onboarding or learning lesson finished with a score.
type LessonCompleted struct {
	LessonID string `json:"lesson_id"`
	Score    int    `json:"score"`
}

func (e LessonCompleted) Type() EventType          { return EventLessonCompleted }
func (e LessonCompleted) SourceID() string         { return "lesson:" + e.LessonID }
func (e LessonCompleted) Measure() decimal.Decimal { return decimal.NewFromInt(int64(e.Score)) }

func (e LessonCompleted) Validate() error {
	if strings.TrimSpace(e.LessonID) == "" {
		return invalid("lesson_id", "is required")
	}
	if e.Score < 0 || e.Score > 100 {
		return invalid("score", "must be within 0-100, got %d", e.Score)
	}
	return nil
}

func (e LessonCompleted) Labels() map[string]string {
	return map[string]string{"lesson_id": e.LessonID, "score": fmt.Sprint(e.Score)}
}

type ForumPost struct {
	ThreadID string `json:"thread_id"`
	PostID   string `json:"post_id"`
	Words    int    `json:"words"`
}

func (e ForumPost) Type() EventType          { return EventForumPost }
func (e ForumPost) SourceID() string         { return "post:" + e.PostID }
func (e ForumPost) Measure() decimal.Decimal { return decimal.NewFromInt(int64(e.Words)) }

func (e ForumPost) Validate() error {
	if strings.TrimSpace(e.ThreadID) == "" {
		return invalid("thread_id", "is required")
	}
	if strings.TrimSpace(e.PostID) == "" {
		return invalid("post_id", "is required")
	}
	if e.Words < 0 {
		return invalid("words", "must not be negative")
	}
	return nil
}

func (e ForumPost) Labels() map[string]string {
	return map[string]string{"thread_id": e.ThreadID, "post_id": e.PostID, "words": fmt.Sprint(e.Words)}
}

type ProposalSubmitted struct {
	ProposalID string `json:"proposal_id"`
}

func (e ProposalSubmitted) Type() EventType          { return EventProposalSubmitted }
func (e ProposalSubmitted) SourceID() string         { return "proposal:" + e.ProposalID }
func (e ProposalSubmitted) Measure() decimal.Decimal { return decimal.NewFromInt(1) }

func (e ProposalSubmitted) Validate() error {
	if strings.TrimSpace(e.ProposalID) == "" {
		return invalid("proposal_id", "is required")
	}
	return nil
}

func (e ProposalSubmitted) Labels() map[string]string {
	return map[string]string{"proposal_id": e.ProposalID}
}

// VoteCast awards once per proposal regardless of how often the vote changes.
type VoteCast struct {
	ProposalID string `json:"proposal_id"`
	Choice     string `json:"choice"`
}

func (e VoteCast) Type() EventType          { return EventVoteCast }
func (e VoteCast) SourceID() string         { return "vote:" + e.ProposalID }
func (e VoteCast) Measure() decimal.Decimal { return decimal.NewFromInt(1) }

func (e VoteCast) Validate() error {
	if strings.TrimSpace(e.ProposalID) == "" {
		return invalid("proposal_id", "is required")
	}
	switch e.Choice {
	case "yes", "no", "abstain":
		return nil
	}
	return invalid("choice", "must be yes, no or abstain, got %q", e.Choice)
}

func (e VoteCast) Labels() map[string]string {
	return map[string]string{"proposal_id": e.ProposalID, "choice": e.Choice}
}

type OnboardingStep struct {
	Step string `json:"step"`
}

func (e OnboardingStep) Type() EventType          { return EventOnboardingStep }
func (e OnboardingStep) SourceID() string         { return "onboarding:" + e.Step }
func (e OnboardingStep) Measure() decimal.Decimal { return decimal.NewFromInt(1) }

func (e OnboardingStep) Validate() error {
	if strings.TrimSpace(e.Step) == "" {
		return invalid("step", "is required")
	}
	return nil
}

func (e OnboardingStep) Labels() map[string]string {
	return map[string]string{"step": e.Step}
}

// =============================================================================
// DECODING - Raw payload to typed event
// =============================================================================

// DecodeEvent turns an untyped (kind, payload) pair into a validated Event.
// Unknown fields are rejected so a misspelled key cannot silently change the
// source identity.
func DecodeEvent(kind string, payload []byte) (Event, error) {
	var ev Event
	switch EventType(kind) {
	case EventCodeContribution:
		var e CodeContribution
		if err := strictUnmarshal(payload, &e); err != nil {
			return nil, err
		}
		ev = e
	case EventLessonCompleted:
		var e LessonCompleted
		if err := strictUnmarshal(payload, &e); err != nil {
			return nil, err
		}
		ev = e
	case EventForumPost:
		var e ForumPost
		if err := strictUnmarshal(payload, &e); err != nil {
			return nil, err
		}
		ev = e
	case EventProposalSubmitted:
		var e ProposalSubmitted
		if err := strictUnmarshal(payload, &e); err != nil {
			return nil, err
		}
		ev = e
	case EventVoteCast:
		var e VoteCast
		if err := strictUnmarshal(payload, &e); err != nil {
			return nil, err
		}
		ev = e
	case EventOnboardingStep:
		var e OnboardingStep
		if err := strictUnmarshal(payload, &e); err != nil {
			return nil, err
		}
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, kind)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func strictUnmarshal(payload []byte, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid("payload", "%v", err)
	}
	return nil
}
