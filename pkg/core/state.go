package core

import "time"

// Store defines the interface for run-state persistence.
type Store interface {
	Open(path string) error
	Close() error
	InitSchema() error

	// Run operations
	CreateRun(env string) (*Run, error)
	GetRun(id string) (*Run, error)
	CompleteRun(id string, status RunStatus, failure *RunFailure) error
	GetLatestRun(env string) (*Run, error)
	ListRuns(limit int) ([]*Run, error)

	// Step run operations
	RecordStepRun(stepRun *StepRun) error
	UpdateStepRun(id string, status StepRunStatus, errMsg string) error
	GetStepRunsForRun(runID string) ([]*StepRun, error)

	// Warning operations
	SaveWarnings(runID string, warnings []RunWarning) error
	GetWarnings(runID string) ([]RunWarning, error)

	// Column snapshot operations
	SaveColumnSnapshot(runID, table string, columns []string) error
	GetColumnSnapshot(table string) (columns []string, runID string, err error)
	DeleteOldSnapshots(keepRuns int) error

	// Lock operations
	AcquireLock(name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(name, owner string) error

	// Training run operations
	RecordTrainingRun(tr *TrainingRun) error
	ListTrainingRuns(limit int) ([]*TrainingRun, error)
}

// RunStatus represents the status of a pipeline run.
type RunStatus string

// Run status constants.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run represents one pipeline execution.
type Run struct {
	ID          string
	Environment string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
	ErrorKind   Kind
	Stage       string
}

// RunFailure describes why a run did not complete.
type RunFailure struct {
	Message string
	Kind    Kind
	Stage   string
}

// FailureOf builds a RunFailure from err; nil yields nil.
func FailureOf(err error) *RunFailure {
	if err == nil {
		return nil
	}
	return &RunFailure{Message: err.Error(), Kind: KindOf(err), Stage: StageOf(err)}
}

// StepRunStatus represents the status of one step execution.
type StepRunStatus string

// Step run status constants.
const (
	StepRunStatusPending StepRunStatus = "pending"
	StepRunStatusRunning StepRunStatus = "running"
	StepRunStatusSuccess StepRunStatus = "success"
	StepRunStatusFailed  StepRunStatus = "failed"
	StepRunStatusSkipped StepRunStatus = "skipped"
)

// StepRun represents a single execution of a step within a run.
type StepRun struct {
	ID          string
	RunID       string
	StepName    string
	StepOrder   int
	Status      StepRunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
	ExecutionMS int64
}

// RunWarning is a non-blocking data-quality finding recorded against a run.
type RunWarning struct {
	Column    string `json:"column"`
	NullCount int64  `json:"null_count"`
	Message   string `json:"message"`
}

// TrainingRun records one model training and evaluation.
type TrainingRun struct {
	ID         string
	RunID      string
	Model      string
	Horizon    string
	InputTable string
	Target     string
	Metrics    map[string]float64
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}
