package api

import (
	"context"
	"sync"

	"bloomers/board"
	"bloomers/domain"
)

// boardRegistry keeps one live board per run. Boards load lazily from storage
// on first access and stay resident so pending edits and in-flight commit
// state survive across requests; deleting a run evicts its board.
type boardRegistry struct {
	store Storage

	mu     sync.Mutex
	boards map[string]*board.Board
}

func newBoardRegistry(store Storage) *boardRegistry {
	return &boardRegistry{store: store, boards: make(map[string]*board.Board)}
}

func boardKey(userID, runID string) string {
	return userID + "|" + runID
}

// get returns the run's board, loading it from storage when absent.
func (r *boardRegistry) get(ctx context.Context, userID, runID string) (*board.Board, error) {
	key := boardKey(userID, runID)
	r.mu.Lock()
	if b, ok := r.boards[key]; ok {
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	questions, err := r.store.FetchQuestions(ctx, userID, runID)
	if err != nil {
		return nil, err
	}
	b := board.New(board.CommitterFunc(func(ctx context.Context, questionID string, category domain.Category) (domain.Category, error) {
		return r.store.SubmitLabel(ctx, userID, runID, questionID, category)
	}))
	if err := b.Load(questions); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another request may have loaded the board while we were fetching.
	if existing, ok := r.boards[key]; ok {
		return existing, nil
	}
	r.boards[key] = b
	return b, nil
}

// refresh drops the cached board so the next access reloads from storage.
// Used when the worker finishes a run that was loaded while still empty.
func (r *boardRegistry) refresh(userID, runID string) {
	r.evict(userID, runID)
}

func (r *boardRegistry) evict(userID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.boards, boardKey(userID, runID))
}
