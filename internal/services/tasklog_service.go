package services

import (
	"context"
	"strings"
	"time"
)

type TaskLogStore interface {
	// AppendTaskEvent inserts e unless the task already has the same event or
	// already has a terminal event and e is terminal. It reports whether a row
	// was written.
	AppendTaskEvent(ctx context.Context, e *TaskEvent) (bool, error)
	ListTaskEvents(ctx context.Context, taskID string) ([]*TaskEvent, error)
	// ListForestTasks returns a study's tasks, newest first.
	ListForestTasks(ctx context.Context, studyID string) ([]*ForestTask, error)
}

type TaskLogService struct {
	store TaskLogStore
	now   func() time.Time
}

func NewTaskLogService(store TaskLogStore) *TaskLogService {
	return &TaskLogService{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func IsTerminalEvent(event string) bool {
	st, ok := ParseTaskStatus(event)
	return ok && st.Terminal()
}

// Record appends an event for taskID. Replaying the same event is a no-op.
func (s *TaskLogService) Record(ctx context.Context, taskID, event, message string) error {
	event = strings.TrimSpace(event)
	if taskID == "" || event == "" {
		return NewInvalidError("task id and event required")
	}
	e := &TaskEvent{
		TaskID:     taskID,
		Event:      event,
		Terminal:   IsTerminalEvent(event),
		Message:    message,
		RecordedAt: s.now(),
	}
	written, err := s.store.AppendTaskEvent(ctx, e)
	if err != nil {
		return NewStorageError("append task event", err)
	}
	if !written {
		logger().WithField("task", taskID).WithField("event", event).Debug("task event already recorded")
	}
	return nil
}

func (s *TaskLogService) Events(ctx context.Context, taskID string) ([]*TaskEvent, error) {
	out, err := s.store.ListTaskEvents(ctx, taskID)
	if err != nil {
		return nil, NewStorageError("list task events", err)
	}
	return out, nil
}

// History returns one entry per task of the study, newest first.
func (s *TaskLogService) History(ctx context.Context, studyID string) ([]TaskLogEntry, error) {
	if strings.TrimSpace(studyID) == "" {
		return nil, NewValidationError(ReasonMissingParam, "study_id required")
	}
	tasks, err := s.store.ListForestTasks(ctx, studyID)
	if err != nil {
		return nil, NewStorageError("list tasks", err)
	}
	out := make([]TaskLogEntry, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskLogEntry{
			TaskID:      t.ID,
			PatientID:   t.PatientID,
			Tree:        t.Tree,
			Status:      t.Status,
			DateStart:   t.DataDateStart.Format(DateLayout),
			DateEnd:     t.DataDateEnd.Format(DateLayout),
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
			Error:       summarizeError(t.ErrorMessage),
		})
	}
	return out, nil
}

// HistoryCSV renders History as a downloadable CSV.
func (s *TaskLogService) HistoryCSV(ctx context.Context, studyID string) ([]byte, error) {
	entries, err := s.History(ctx, studyID)
	if err != nil {
		return nil, err
	}
	return ExportTaskHistoryCSV(entries)
}

func summarizeError(msg string) string {
	msg = strings.TrimSpace(msg)
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}
