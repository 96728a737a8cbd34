// Package board holds the authoritative in-memory classification state for
// one run: the ordered question list, pending label edits against the
// server-confirmed baseline, and the aggregate snapshot derived from them.
// All label edits funnel through a Board so at most one commit is in flight
// per question and aggregates are always computed from consistent state.
package board

import (
	"context"
	"fmt"
	"sync"

	"bloomers/domain"
)

// Committer persists a confirmed label change. Implementations must be
// idempotent from the board's point of view and classify failures as
// rejected vs transient (see the storage package). The returned category is
// the value the server actually recorded.
type Committer interface {
	SubmitLabel(ctx context.Context, questionID string, category domain.Category) (domain.Category, error)
}

// CommitterFunc adapts a function to the Committer interface.
type CommitterFunc func(ctx context.Context, questionID string, category domain.Category) (domain.Category, error)

func (f CommitterFunc) SubmitLabel(ctx context.Context, questionID string, category domain.Category) (domain.Category, error) {
	return f(ctx, questionID, category)
}

type question struct {
	domain.Question
	pending  domain.Category // empty when no edit is outstanding
	inFlight bool
}

// Board is the single source of truth for one run's classification state.
// The zero value is not usable; construct with New.
type Board struct {
	committer Committer

	mu          sync.Mutex
	questions   []*question
	byID        map[string]*question
	activeIndex int
}

// New creates an empty board that commits label changes through c.
func New(c Committer) *Board {
	return &Board{committer: c, activeIndex: -1}
}

// Load replaces the board contents with the given questions, preserving the
// caller-supplied order. The active index resets to 0, or -1 when the list
// is empty. Questions with a category outside C1..C6 or a duplicate or empty
// ID fail the whole load with ErrInvalidInput.
func (b *Board) Load(questions []domain.Question) error {
	qs := make([]*question, 0, len(questions))
	byID := make(map[string]*question, len(questions))
	for i, src := range questions {
		if src.ID == "" {
			return fmt.Errorf("%w: question %d has empty id", ErrInvalidInput, i)
		}
		if !src.Category.Valid() {
			return fmt.Errorf("%w: question %s has category %q", ErrInvalidInput, src.ID, src.Category)
		}
		if _, dup := byID[src.ID]; dup {
			return fmt.Errorf("%w: duplicate question id %s", ErrInvalidInput, src.ID)
		}
		q := &question{Question: src}
		qs = append(qs, q)
		byID[src.ID] = q
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.questions = qs
	b.byID = byID
	if len(qs) > 0 {
		b.activeIndex = 0
	} else {
		b.activeIndex = -1
	}
	return nil
}

// Len returns the number of questions on the board.
func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.questions)
}

// SelectQuestion moves focus to the question at the given position. Keyboard
// navigation, previous/next buttons and scroll tracking all resolve to this
// single operation so focus state cannot diverge.
func (b *Board) SelectQuestion(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.questions) {
		return fmt.Errorf("%w: index %d, %d questions", ErrOutOfRange, index, len(b.questions))
	}
	b.activeIndex = index
	return nil
}

// ProposeLabel records a pending label edit for the identified question.
// Proposing the currently committed value clears any pending edit instead of
// storing a no-op. Proposing the same value twice leaves state unchanged.
func (b *Board) ProposeLabel(questionID string, label domain.Category) error {
	if !label.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, label)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.byID[questionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if label == q.Category {
		q.pending = ""
		return nil
	}
	q.pending = label
	return nil
}

// Outcome reports the result of a commit attempt. Committed is the
// server-confirmed label after the attempt: the newly committed value on
// success, the unchanged original on failure. Pending is empty on success
// and carries the still-outstanding edit on failure so the caller can retry
// or revert.
type Outcome struct {
	QuestionID string          `json:"questionId"`
	Committed  domain.Category `json:"committed"`
	Pending    domain.Category `json:"pending,omitempty"`
}

// CommitPending submits the question's pending label to the persistence
// collaborator. Only this operation suspends; reads and synchronous edits on
// other questions proceed while the submit is outstanding. A second commit
// for the same question while one is in flight fails with
// ErrCommitInProgress. The pending label is cleared only on success; on
// failure both labels are left untouched so the edit can be retried.
func (b *Board) CommitPending(ctx context.Context, questionID string) (Outcome, error) {
	b.mu.Lock()
	q, ok := b.byID[questionID]
	if !ok {
		b.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if q.pending == "" {
		b.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: question %s", ErrNoPendingEdit, questionID)
	}
	if q.inFlight {
		b.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: question %s", ErrCommitInProgress, questionID)
	}
	committed, pending := q.Category, q.pending
	q.inFlight = true
	b.mu.Unlock()

	confirmed, err := b.committer.SubmitLabel(ctx, questionID, pending)

	b.mu.Lock()
	defer b.mu.Unlock()
	q.inFlight = false
	if err != nil {
		return Outcome{QuestionID: questionID, Committed: committed, Pending: q.pending},
			fmt.Errorf("submit label: %w", err)
	}
	if !confirmed.Valid() {
		confirmed = pending
	}
	if q.Category != confirmed {
		q.PreviousCategory = q.Category
		q.ManuallyClassified = true
		q.Category = confirmed
	}
	// A different edit proposed while the submit was outstanding survives,
	// unless it now matches the committed value.
	if q.pending == pending || q.pending == q.Category {
		q.pending = ""
	}
	return Outcome{QuestionID: questionID, Committed: q.Category, Pending: q.pending}, nil
}

// RevertPending abandons the question's pending edit without contacting
// persistence. Reverting a question with no pending edit is a no-op.
func (b *Board) RevertPending(questionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.byID[questionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	q.pending = ""
	return nil
}
