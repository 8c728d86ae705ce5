package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DateLayout is the calendar date format of task date ranges.
	DateLayout = "2006-01-02"

	NoDataError = "No chunked data found for participant for the dates specified."

	ErrorKindTimeout = "timeout"
	ErrorKindNoData  = "no_data"
	ErrorKindRunner  = "runner"
	ErrorKindQueue   = "queue"

	EventCancelRequested = "cancel_requested"
)

// ErrNoData is returned by tree runners when the date window holds no records.
var ErrNoData = errors.New(NoDataError)

type ForestStore interface {
	GetStudy(ctx context.Context, id string) (*Study, error)
	GetParticipantByPatientID(ctx context.Context, studyID, patientID string) (*Participant, error)
	AddForestTask(ctx context.Context, t *ForestTask) error
	GetForestTask(ctx context.Context, id string) (*ForestTask, error)
	// TransitionForestTask moves a task from one status to another only if it
	// is still in from. out is applied on terminal transitions.
	TransitionForestTask(ctx context.Context, id string, from, to TaskStatus, at time.Time, out *TaskOutcome) (bool, error)
	// RequestForestTaskCancel flags a running task; false if it is not running.
	RequestForestTaskCancel(ctx context.Context, id string) (bool, error)
}

// Delivery is one leased queue message.
type Delivery struct {
	ID         int64
	TaskID     string
	Attempt    int
	EnqueuedAt time.Time
}

// WorkQueue is a durable at-least-once queue of task ids.
type WorkQueue interface {
	Enqueue(ctx context.Context, taskID string) error
	// Claim leases the next message; nil, nil when the queue is empty.
	Claim(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack makes the message visible again for redelivery.
	Nack(ctx context.Context, d *Delivery) error
	Remove(ctx context.Context, taskID string) error
}

type TaskRecorder interface {
	Record(ctx context.Context, taskID, event, message string) error
}

type TaskParams struct {
	// PatientID identifies the participant within the study.
	PatientID string
	Tree      string
	DateStart string
	DateEnd   string
	Params    map[string]string
}

type ForestService struct {
	store ForestStore
	queue WorkQueue
	log   TaskRecorder
	now   func() time.Time
	idGen func() string
}

func NewForestService(store ForestStore, queue WorkQueue, log TaskRecorder) *ForestService {
	return &ForestService{
		store: store,
		queue: queue,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		idGen: func() string { return uuid.NewString() },
	}
}

// Dispatch persists a queued task and hands it to the work queue. It never
// waits for the task to run.
func (s *ForestService) Dispatch(ctx context.Context, studyID string, p TaskParams) (string, error) {
	tree := strings.ToLower(strings.TrimSpace(p.Tree))
	if !IsKnownTree(tree) {
		return "", NewInvalidError("unknown tree: " + p.Tree)
	}
	start, end, err := parseDateRange(p.DateStart, p.DateEnd)
	if err != nil {
		return "", err
	}
	study, err := s.forestStudy(ctx, studyID)
	if err != nil {
		return "", err
	}
	part, err := s.store.GetParticipantByPatientID(ctx, study.ID, strings.TrimSpace(p.PatientID))
	if err != nil {
		return "", NewStorageError("load participant", err)
	}
	if part == nil {
		return "", NewValidationError(ReasonUnknownParticipant, "participant not in study: "+p.PatientID)
	}

	t := &ForestTask{
		ID:            s.idGen(),
		StudyID:       study.ID,
		ParticipantID: part.ID,
		PatientID:     part.PatientID,
		Tree:          tree,
		DataDateStart: start,
		DataDateEnd:   end,
		Params:        p.Params,
		Status:        TaskQueued,
		CreatedAt:     s.now(),
	}
	if err := s.store.AddForestTask(ctx, t); err != nil {
		return "", NewStorageError("store task", err)
	}
	s.record(ctx, t.ID, string(TaskQueued), "")
	if err := s.queue.Enqueue(ctx, t.ID); err != nil {
		out := &TaskOutcome{ErrorMessage: "enqueue failed: " + err.Error(), ErrorKind: ErrorKindQueue}
		if _, terr := s.store.TransitionForestTask(ctx, t.ID, TaskQueued, TaskFailed, s.now(), out); terr != nil {
			logger().WithError(terr).WithField("task", t.ID).Error("mark task failed after enqueue error")
		}
		s.record(ctx, t.ID, string(TaskFailed), out.ErrorMessage)
		return "", NewStorageError("enqueue task", err)
	}
	logger().WithField("task", t.ID).WithField("tree", tree).WithField("study", study.ID).Info("task queued")
	return t.ID, nil
}

// DispatchBatch queues one task per participant and tree. It stops at the
// first rejected combination and returns the ids queued so far.
func (s *ForestService) DispatchBatch(ctx context.Context, studyID string, patientIDs, trees []string, dateStart, dateEnd string, params map[string]string) ([]string, error) {
	if len(patientIDs) == 0 {
		return nil, NewValidationError(ReasonMissingParam, "participant_id required")
	}
	if len(trees) == 0 {
		return nil, NewValidationError(ReasonMissingParam, "tree required")
	}
	ids := make([]string, 0, len(patientIDs)*len(trees))
	for _, pid := range patientIDs {
		for _, tree := range trees {
			id, err := s.Dispatch(ctx, studyID, TaskParams{PatientID: pid, Tree: tree, DateStart: dateStart, DateEnd: dateEnd, Params: params})
			if err != nil {
				return ids, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Claim moves a queued task to running. ok is false when another worker got
// there first or the task is no longer queued.
func (s *ForestService) Claim(ctx context.Context, taskID string) (*ForestTask, bool, error) {
	changed, err := s.store.TransitionForestTask(ctx, taskID, TaskQueued, TaskRunning, s.now(), nil)
	if err != nil {
		return nil, false, NewStorageError("claim task", err)
	}
	if !changed {
		return nil, false, nil
	}
	t, err := s.store.GetForestTask(ctx, taskID)
	if err != nil {
		return nil, false, NewStorageError("load task", err)
	}
	if t == nil {
		return nil, false, NewNotFoundError("task not found")
	}
	s.record(ctx, taskID, string(TaskRunning), "")
	return t, true, nil
}

// Finish records the result of a running task. runErr nil means success.
// It reports false when the task had already left the running state.
func (s *ForestService) Finish(ctx context.Context, taskID string, out TaskOutcome, runErr error) (bool, error) {
	to := TaskSucceeded
	if runErr != nil {
		to = TaskFailed
		if out.ErrorMessage == "" {
			out.ErrorMessage = runErr.Error()
		}
		if out.ErrorKind == "" {
			out.ErrorKind = ErrorKindRunner
			if errors.Is(runErr, ErrNoData) {
				out.ErrorKind = ErrorKindNoData
			}
		}
	}
	changed, err := s.store.TransitionForestTask(ctx, taskID, TaskRunning, to, s.now(), &out)
	if err != nil {
		return false, NewStorageError("finish task", err)
	}
	if !changed {
		return false, nil
	}
	s.record(ctx, taskID, string(to), out.ErrorMessage)
	return true, nil
}

// Cancel stops a task. Queued tasks are cancelled at once and pulled from the
// queue; running tasks are flagged and the worker acknowledges later. A task
// that is already terminal is left alone and reported as a conflict. The
// returned status is the task's status afterwards.
func (s *ForestService) Cancel(ctx context.Context, taskID string) (TaskStatus, error) {
	t, err := s.store.GetForestTask(ctx, taskID)
	if err != nil {
		return "", NewStorageError("load task", err)
	}
	if t == nil {
		return "", NewNotFoundError("task not found")
	}
	if t.Status == TaskQueued {
		changed, err := s.store.TransitionForestTask(ctx, taskID, TaskQueued, TaskCancelled, s.now(), &TaskOutcome{})
		if err != nil {
			return "", NewStorageError("cancel task", err)
		}
		if changed {
			if err := s.queue.Remove(ctx, taskID); err != nil {
				logger().WithError(err).WithField("task", taskID).Warn("remove cancelled task from queue")
			}
			s.record(ctx, taskID, string(TaskCancelled), "cancelled before start")
			return TaskCancelled, nil
		}
		// Lost the race to a worker; fall through with the fresh state.
		if t, err = s.store.GetForestTask(ctx, taskID); err != nil {
			return "", NewStorageError("load task", err)
		}
	}
	if t.Status == TaskRunning {
		flagged, err := s.store.RequestForestTaskCancel(ctx, taskID)
		if err != nil {
			return "", NewStorageError("request cancel", err)
		}
		if flagged {
			s.record(ctx, taskID, EventCancelRequested, "")
			return TaskRunning, nil
		}
		if t, err = s.store.GetForestTask(ctx, taskID); err != nil {
			return "", NewStorageError("load task", err)
		}
	}
	if t.Status.Terminal() {
		return t.Status, NewConflictError("task already " + string(t.Status))
	}
	return t.Status, nil
}

// CancelRequested reports whether a running task has been asked to stop.
func (s *ForestService) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	t, err := s.store.GetForestTask(ctx, taskID)
	if err != nil {
		return false, NewStorageError("load task", err)
	}
	return t != nil && t.CancelRequested, nil
}

// AcknowledgeCancel is called by the worker once it has stopped a task that
// was flagged for cancellation.
func (s *ForestService) AcknowledgeCancel(ctx context.Context, taskID string, out TaskOutcome) (bool, error) {
	if out.ErrorMessage == "" {
		out.ErrorMessage = "cancelled while running"
	}
	changed, err := s.store.TransitionForestTask(ctx, taskID, TaskRunning, TaskCancelled, s.now(), &out)
	if err != nil {
		return false, NewStorageError("cancel task", err)
	}
	if changed {
		s.record(ctx, taskID, string(TaskCancelled), out.ErrorMessage)
	}
	return changed, nil
}

func (s *ForestService) Get(ctx context.Context, taskID string) (*ForestTask, error) {
	t, err := s.store.GetForestTask(ctx, taskID)
	if err != nil {
		return nil, NewStorageError("load task", err)
	}
	if t == nil {
		return nil, NewNotFoundError("task not found")
	}
	return t, nil
}

func (s *ForestService) Study(ctx context.Context, studyID string) (*Study, error) {
	st, err := s.store.GetStudy(ctx, studyID)
	if err != nil {
		return nil, NewStorageError("load study", err)
	}
	if st == nil {
		return nil, NewNotFoundError("study not found")
	}
	return st, nil
}

func (s *ForestService) forestStudy(ctx context.Context, studyID string) (*Study, error) {
	studyID = strings.TrimSpace(studyID)
	if studyID == "" {
		return nil, NewValidationError(ReasonMissingParam, "study_id required")
	}
	st, err := s.store.GetStudy(ctx, studyID)
	if err != nil {
		return nil, NewStorageError("load study", err)
	}
	if st == nil || st.Deleted {
		return nil, NewNotFoundError("study not found")
	}
	if !st.ForestEnabled {
		return nil, NewForbiddenError("forest is not enabled for this study")
	}
	return st, nil
}

func (s *ForestService) record(ctx context.Context, taskID, event, msg string) {
	if s.log == nil {
		return
	}
	if err := s.log.Record(ctx, taskID, event, msg); err != nil {
		logger().WithError(err).WithField("task", taskID).WithField("event", event).Error("task log write failed")
	}
}

func parseDateRange(startRaw, endRaw string) (time.Time, time.Time, error) {
	start, err := time.Parse(DateLayout, strings.TrimSpace(startRaw))
	if err != nil {
		return time.Time{}, time.Time{}, NewValidationError(ReasonBadTime, "date_start must be YYYY-MM-DD")
	}
	end, err := time.Parse(DateLayout, strings.TrimSpace(endRaw))
	if err != nil {
		return time.Time{}, time.Time{}, NewValidationError(ReasonBadTime, "date_end must be YYYY-MM-DD")
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, NewValidationError(ReasonBadRange, "date_start is after date_end")
	}
	return start, end, nil
}
