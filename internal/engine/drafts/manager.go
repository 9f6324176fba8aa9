package drafts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"nestline/internal/domain"
	"nestline/internal/repo"
)

var (
	ErrUnknownDraft = errors.New("unknown draft")
	// ErrDraftGone is returned by Promote when the batch was deleted outside
	// the run. The draft is no longer tracked.
	ErrDraftGone = errors.New("draft no longer exists")
)

// ExitChoice is one of the three ways out of a run that still holds drafts.
type ExitChoice string

const (
	ChoicePromoteAll ExitChoice = "promote_all"
	ChoiceDiscardAll ExitChoice = "discard_all"
	ChoiceStay       ExitChoice = "stay"
)

// Choices lists the exit choices in the order they are offered.
func Choices() []ExitChoice {
	return []ExitChoice{ChoicePromoteAll, ChoiceDiscardAll, ChoiceStay}
}

func ParseChoice(s string) (ExitChoice, error) {
	for _, c := range Choices() {
		if string(c) == strings.TrimSpace(strings.ToLower(s)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("invalid exit choice %q", s)
}

// ExitBlockedError is returned when leaving a run would drop drafts.
type ExitBlockedError struct {
	Drafts  []string
	Choices []ExitChoice
}

func (e ExitBlockedError) Error() string {
	return fmt.Sprintf("%d draft batch(es) not saved: %s", len(e.Drafts), strings.Join(e.Drafts, ", "))
}

// Store is the persistence side of the draft lifecycle. DeleteDraft must
// refuse any batch that is no longer a draft.
type Store interface {
	GetBatch(ctx context.Context, batchID string) (domain.Batch, error)
	Promote(ctx context.Context, batchID, actorID string) (domain.Batch, error)
	DeleteDraft(ctx context.Context, batchID, actorID string) error
}

// Manager tracks the drafts generated during one run. Local state only
// changes after the store accepted the command.
type Manager struct {
	store  Store
	actor  string
	logger *log.Logger
	order  []string
	drafts map[string]domain.Batch
}

func NewManager(store Store, actorID string, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{store: store, actor: actorID, logger: logger, drafts: map[string]domain.Batch{}}
}

// Track starts watching a freshly generated draft.
func (m *Manager) Track(b domain.Batch) {
	if _, ok := m.drafts[b.ID]; !ok {
		m.order = append(m.order, b.ID)
	}
	m.drafts[b.ID] = b
}

// AtRisk returns the tracked drafts that are still uncommitted, oldest first.
func (m *Manager) AtRisk() []domain.Batch {
	out := make([]domain.Batch, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.drafts[id])
	}
	return out
}

func (m *Manager) Get(id string) (domain.Batch, bool) {
	b, ok := m.drafts[id]
	return b, ok
}

// Promote moves a draft to suspended and stops tracking it. A batch that was
// already committed elsewhere is returned as is.
func (m *Manager) Promote(ctx context.Context, id string) (domain.Batch, error) {
	if _, ok := m.drafts[id]; !ok {
		return domain.Batch{}, fmt.Errorf("%w: %s", ErrUnknownDraft, id)
	}
	if b, done := m.resolved(ctx, id); done {
		return m.settled(id, b)
	}
	b, err := m.store.Promote(ctx, id, m.actor)
	if err != nil {
		if cur, done := m.resolved(ctx, id); done {
			return m.settled(id, cur)
		}
		m.logger.Printf("drafts: promote failed batch=%s err=%v", id, err)
		return domain.Batch{}, fmt.Errorf("promote draft %s: %w", id, err)
	}
	m.forget(id)
	return b, nil
}

// Discard deletes a draft. It cannot be undone. Batches that left the draft
// status outside the run are forgotten, never deleted.
func (m *Manager) Discard(ctx context.Context, id string) error {
	if _, ok := m.drafts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDraft, id)
	}
	if _, done := m.resolved(ctx, id); done {
		return nil
	}
	if err := m.store.DeleteDraft(ctx, id, m.actor); err != nil {
		if _, done := m.resolved(ctx, id); done {
			return nil
		}
		m.logger.Printf("drafts: discard failed batch=%s err=%v", id, err)
		return fmt.Errorf("discard draft %s: %w", id, err)
	}
	m.forget(id)
	return nil
}

func (m *Manager) settled(id string, b domain.Batch) (domain.Batch, error) {
	if b.ID == "" {
		return domain.Batch{}, fmt.Errorf("%w: %s", ErrDraftGone, id)
	}
	return b, nil
}

// resolved re-reads a tracked draft. It reports done when the batch was
// deleted or committed outside the run, after forgetting it. A failed lookup
// is not done; the store command that follows surfaces the failure.
func (m *Manager) resolved(ctx context.Context, id string) (domain.Batch, bool) {
	b, err := m.store.GetBatch(ctx, id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		m.logger.Printf("drafts: batch deleted outside run batch=%s", id)
		m.forget(id)
		return domain.Batch{}, true
	case err != nil:
		return domain.Batch{}, false
	case b.Status != domain.BatchDraft:
		m.logger.Printf("drafts: batch committed outside run batch=%s status=%s", id, b.Status)
		m.forget(id)
		return b, true
	}
	m.drafts[id] = b
	return b, false
}

// MarkCommitted stops tracking a draft that was committed by other means,
// such as a direct confirmation.
func (m *Manager) MarkCommitted(id string) {
	m.forget(id)
}

// RequestExit returns an ExitBlockedError while drafts remain.
func (m *Manager) RequestExit() error {
	if len(m.order) == 0 {
		return nil
	}
	return ExitBlockedError{Drafts: append([]string(nil), m.order...), Choices: Choices()}
}

// ResolveExit applies an exit choice. It reports whether the caller may
// leave: ChoiceStay never does, and a partially failed promote or discard
// keeps the failed drafts tracked and blocks the exit.
func (m *Manager) ResolveExit(ctx context.Context, choice ExitChoice) (bool, error) {
	var errs []error
	switch choice {
	case ChoiceStay:
		return false, nil
	case ChoicePromoteAll:
		for _, id := range append([]string(nil), m.order...) {
			if _, err := m.Promote(ctx, id); err != nil && !errors.Is(err, ErrDraftGone) {
				errs = append(errs, err)
			}
		}
	case ChoiceDiscardAll:
		for _, id := range append([]string(nil), m.order...) {
			if err := m.Discard(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	default:
		return false, fmt.Errorf("invalid exit choice %q", choice)
	}
	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}
	return true, nil
}

func (m *Manager) forget(id string) {
	if _, ok := m.drafts[id]; !ok {
		return
	}
	delete(m.drafts, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
