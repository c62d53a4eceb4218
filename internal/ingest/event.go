package ingest

// EventKind identifies a progress event.
type EventKind int

const (
	EventPlanned EventKind = iota
	EventBatchStarted
	EventBatchSubmitted
	EventBatchDone
	EventBatchFailed
	EventFinished
)

// Event reports run progress to an observer such as the terminal progress view.
type Event struct {
	Kind   EventKind
	Batch  int
	Total  int
	Keys   int
	JobID  string
	Status Status
	Err    error
}
