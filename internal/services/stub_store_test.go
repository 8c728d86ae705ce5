package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"
)

type stubStore struct {
	mu           sync.Mutex
	keys         map[string]*APIKey
	studies      map[string]*Study
	relations    map[string]bool
	participants map[string]*Participant
	records      []RecordRef
	tasks        map[string]*ForestTask
	events       []*TaskEvent
	pageCalls    int
	failPage     error
}

func newStubStore() *stubStore {
	return &stubStore{
		keys:         map[string]*APIKey{},
		studies:      map[string]*Study{},
		relations:    map[string]bool{},
		participants: map[string]*Participant{},
		tasks:        map[string]*ForestTask{},
	}
}

func (s *stubStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		copy := *k
		return &copy, nil
	}
	return nil, nil
}

func (s *stubStore) AddAPIKey(ctx context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.AccessKeyID]; ok {
		return errors.New("duplicate key")
	}
	copy := *k
	s.keys[k.AccessKeyID] = &copy
	return nil
}

func (s *stubStore) UpdateAPIKeyHash(ctx context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return errors.New("no such key")
	}
	k.SecretHash = hash
	return nil
}

func (s *stubStore) GetStudy(ctx context.Context, id string) (*Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.studies[id]; ok {
		copy := *st
		return &copy, nil
	}
	return nil, nil
}

func (s *stubStore) HasStudyRelation(ctx context.Context, studyID, researcherID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relations[studyID+"|"+researcherID], nil
}

func (s *stubStore) ListStudies(ctx context.Context, researcherID string) ([]*Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Study
	for id, st := range s.studies {
		if st.Deleted {
			continue
		}
		if researcherID != "" && !s.relations[id+"|"+researcherID] {
			continue
		}
		copy := *st
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubStore) ListParticipantsByPatientIDs(ctx context.Context, studyID string, patientIDs []string) ([]*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Participant
	for _, pid := range patientIDs {
		for _, p := range s.participants {
			if p.StudyID == studyID && p.PatientID == pid {
				copy := *p
				out = append(out, &copy)
			}
		}
	}
	return out, nil
}

func (s *stubStore) GetParticipantByPatientID(ctx context.Context, studyID, patientID string) (*Participant, error) {
	found, err := s.ListParticipantsByPatientIDs(ctx, studyID, []string{patientID})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

func (s *stubStore) addStudy(id string, forest bool) {
	s.studies[id] = &Study{ID: id, Name: "Study " + id, ForestEnabled: forest}
}

func (s *stubStore) addParticipant(studyID, patientID string) {
	id := "p-" + studyID + "-" + patientID
	s.participants[id] = &Participant{ID: id, StudyID: studyID, PatientID: patientID}
}

func (s *stubStore) addRecord(studyID, patientID, stream string, bin time.Time, path, hash string) {
	s.records = append(s.records, RecordRef{
		ID:            int64(len(s.records) + 1),
		StudyID:       studyID,
		ParticipantID: "p-" + studyID + "-" + patientID,
		PatientID:     patientID,
		Stream:        stream,
		TimeBin:       bin.UTC(),
		ChunkPath:     path,
		ChunkHash:     hash,
	})
}

func cursorLess(a, b RecordCursor) bool {
	if a.PatientID != b.PatientID {
		return a.PatientID < b.PatientID
	}
	if a.Stream != b.Stream {
		return a.Stream < b.Stream
	}
	if !a.TimeBin.Equal(b.TimeBin) {
		return a.TimeBin.Before(b.TimeBin)
	}
	return a.ID < b.ID
}

func (s *stubStore) ListRecordPage(ctx context.Context, q *QueryDescriptor, after *RecordCursor, limit int) ([]RecordRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageCalls++
	if s.failPage != nil {
		return nil, s.failPage
	}
	matches := func(r RecordRef) bool {
		if r.StudyID != q.StudyID {
			return false
		}
		if len(q.ParticipantIDs) > 0 && !contains(q.ParticipantIDs, r.ParticipantID) {
			return false
		}
		if !contains(q.Streams, r.Stream) {
			return false
		}
		if q.Start != nil && r.TimeBin.Before(*q.Start) {
			return false
		}
		if q.End != nil && r.TimeBin.After(*q.End) {
			return false
		}
		return true
	}
	var all []RecordRef
	for _, r := range s.records {
		if matches(r) && (after == nil || cursorLess(*after, r.Cursor())) {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return cursorLess(all[i].Cursor(), all[j].Cursor()) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (s *stubStore) AddForestTask(ctx context.Context, t *ForestTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *t
	s.tasks[t.ID] = &copy
	return nil
}

func (s *stubStore) GetForestTask(ctx context.Context, id string) (*ForestTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		copy := *t
		return &copy, nil
	}
	return nil, nil
}

func (s *stubStore) TransitionForestTask(ctx context.Context, id string, from, to TaskStatus, at time.Time, out *TaskOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	if to == TaskRunning {
		t.StartedAt = &at
	}
	if to.Terminal() {
		t.CompletedAt = &at
		if out != nil {
			t.TotalFileSize = out.TotalFileSize
			exists := out.OutputExists
			t.OutputExists = &exists
			t.OutputKey = out.OutputKey
			t.ErrorMessage = out.ErrorMessage
			t.ErrorKind = out.ErrorKind
		}
	}
	return true, nil
}

func (s *stubStore) RequestForestTaskCancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != TaskRunning {
		return false, nil
	}
	t.CancelRequested = true
	return true, nil
}

func (s *stubStore) AppendTaskEvent(ctx context.Context, e *TaskEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prev := range s.events {
		if prev.TaskID != e.TaskID {
			continue
		}
		if prev.Event == e.Event || (prev.Terminal && e.Terminal) {
			return false, nil
		}
	}
	copy := *e
	copy.ID = int64(len(s.events) + 1)
	if t, ok := s.tasks[e.TaskID]; ok {
		copy.StudyID = t.StudyID
	}
	s.events = append(s.events, &copy)
	return true, nil
}

func (s *stubStore) ListTaskEvents(ctx context.Context, taskID string) ([]*TaskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TaskEvent
	for _, e := range s.events {
		if e.TaskID == taskID {
			copy := *e
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *stubStore) ListForestTasks(ctx context.Context, studyID string) ([]*ForestTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ForestTask
	for _, t := range s.tasks {
		if t.StudyID == studyID {
			copy := *t
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type stubQueue struct {
	mu      sync.Mutex
	pending []string
	removed []string
	fail    error
}

func (q *stubQueue) Enqueue(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.pending = append(q.pending, taskID)
	return nil
}

func (q *stubQueue) Claim(ctx context.Context) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	return &Delivery{TaskID: id, Attempt: 1}, nil
}

func (q *stubQueue) Ack(ctx context.Context, d *Delivery) error { return nil }

func (q *stubQueue) Nack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, d.TaskID)
	return nil
}

func (q *stubQueue) Remove(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, taskID)
	kept := q.pending[:0]
	for _, id := range q.pending {
		if id != taskID {
			kept = append(kept, id)
		}
	}
	q.pending = kept
	return nil
}

type stubBlobs struct {
	data   map[string][]byte
	opened []string
	failOn string
}

func newStubBlobs() *stubBlobs { return &stubBlobs{data: map[string][]byte{}} }

func (b *stubBlobs) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	b.opened = append(b.opened, key)
	if key == b.failOn {
		return nil, errors.New("blob unavailable")
	}
	d, ok := b.data[key]
	if !ok {
		return nil, errors.New("no such blob: " + key)
	}
	return io.NopCloser(bytes.NewReader(d)), nil
}
