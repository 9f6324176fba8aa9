package engine

import "fmt"

// TransitionError reports a batch command that is not allowed from the
// batch's current status.
type TransitionError struct {
	BatchID string
	From    string
	To      string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("batch %s cannot move from %s to %s", e.BatchID, e.From, e.To)
}

// LockedError reports a layout edit on a committed batch.
type LockedError struct {
	BatchID string
	Status  string
}

func (e LockedError) Error() string {
	return fmt.Sprintf("batch %s is %s; layout can no longer change", e.BatchID, e.Status)
}

type ChamberUnavailableError struct {
	ChamberID string
	Status    string
	BatchID   string
}

func (e ChamberUnavailableError) Error() string {
	if e.BatchID != "" {
		return fmt.Sprintf("chamber %s is occupied by batch %s", e.ChamberID, e.BatchID)
	}
	return fmt.Sprintf("chamber %s is %s", e.ChamberID, e.Status)
}
