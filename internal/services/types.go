package services

import "time"

type Study struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Timezone      string `json:"timezone,omitempty"`
	ForestEnabled bool   `json:"forest_enabled"`
	Deleted       bool   `json:"deleted,omitempty"`
}

// Location returns the study timezone, falling back to UTC for empty or
// unknown zone names.
func (s *Study) Location() *time.Location {
	if s == nil || s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Participant struct {
	ID        string    `json:"id"`
	StudyID   string    `json:"study_id"`
	PatientID string    `json:"patient_id"`
	CreatedAt time.Time `json:"created_at"`
}

type APIKey struct {
	AccessKeyID  string
	SecretHash   string
	ResearcherID string
	SiteAdmin    bool
	IsActive     bool
	ReadableName string
	CreatedAt    time.Time
}

// Principal is the verified identity behind a credential pair.
type Principal struct {
	ResearcherID string
	AccessKeyID  string
	SiteAdmin    bool
}

// RecordRef points at one stored record bucket. It never carries the payload.
type RecordRef struct {
	ID             int64     `json:"id"`
	StudyID        string    `json:"study_id"`
	ParticipantID  string    `json:"participant_id"`
	PatientID      string    `json:"patient_id"`
	Stream         string    `json:"data_stream"`
	TimeBin        time.Time `json:"time_bin"`
	ChunkPath      string    `json:"chunk_path"`
	ChunkHash      string    `json:"chunk_hash"`
	FileSize       int64     `json:"file_size"`
	SurveyObjectID string    `json:"survey_object_id,omitempty"`
}

// RecordCursor is the keyset position after which the next index page starts.
type RecordCursor struct {
	PatientID string
	Stream    string
	TimeBin   time.Time
	ID        int64
}

func (r RecordRef) Cursor() RecordCursor {
	return RecordCursor{PatientID: r.PatientID, Stream: r.Stream, TimeBin: r.TimeBin, ID: r.ID}
}

// QueryDescriptor is the validated, typed form of an export request. Only the
// Filter Resolver builds one.
type QueryDescriptor struct {
	StudyID string
	// ParticipantIDs holds internal participant ids; nil means every
	// participant in the study.
	ParticipantIDs []string
	Streams        []string
	Start          *time.Time
	End            *time.Time
	Compress       bool
	// Registry maps chunk paths the client already holds to their hashes.
	Registry        map[string]string
	IncludeRegistry bool
}

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch TaskStatus(s) {
	case TaskQueued, TaskRunning, TaskSucceeded, TaskFailed, TaskCancelled:
		return TaskStatus(s), true
	}
	return "", false
}

type ForestTask struct {
	ID              string            `json:"id"`
	StudyID         string            `json:"study_id"`
	ParticipantID   string            `json:"participant_id"`
	PatientID       string            `json:"patient_id"`
	Tree            string            `json:"tree"`
	DataDateStart   time.Time         `json:"data_date_start"`
	DataDateEnd     time.Time         `json:"data_date_end"`
	Params          map[string]string `json:"params,omitempty"`
	Status          TaskStatus        `json:"status"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	TotalFileSize   int64             `json:"total_file_size,omitempty"`
	OutputExists    *bool             `json:"output_exists,omitempty"`
	OutputKey       string            `json:"output_key,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ErrorKind       string            `json:"error_kind,omitempty"`
}

// TaskOutcome carries what a worker learned while running a task.
type TaskOutcome struct {
	TotalFileSize int64
	OutputExists  bool
	OutputKey     string
	ErrorMessage  string
	ErrorKind     string
}

// TaskEvent is one immutable row in the task log.
type TaskEvent struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	StudyID    string    `json:"study_id"`
	Event      string    `json:"event"`
	Terminal   bool      `json:"terminal"`
	Message    string    `json:"message,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// TaskLogEntry is the per-task history row shown to study admins.
type TaskLogEntry struct {
	TaskID      string     `json:"id"`
	PatientID   string     `json:"patient_id"`
	Tree        string     `json:"tree"`
	Status      TaskStatus `json:"status"`
	DateStart   string     `json:"data_date_start"`
	DateEnd     string     `json:"data_date_end"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}
