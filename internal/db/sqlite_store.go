package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/soaringjerry/Sylva/internal/services"
)

// timeLayout keeps every stored timestamp the same width so TEXT columns
// sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteStore struct {
	db *sql.DB
}

var (
	_ services.CredentialStore = (*SQLiteStore)(nil)
	_ services.FilterStore     = (*SQLiteStore)(nil)
	_ services.RecordIndex     = (*SQLiteStore)(nil)
	_ services.ForestStore     = (*SQLiteStore)(nil)
	_ services.TaskLogStore    = (*SQLiteStore)(nil)
)

func logger() *logrus.Entry {
	return logrus.StandardLogger().WithField("module", "db")
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	// Per-connection settings live in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	// journal_mode is stored in the database file, so one connection is enough.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("apply sqlite pragma journal_mode: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) logErr(prefix string, err error) {
	if err != nil {
		logger().WithError(err).Errorf("sqlite store: %s", prefix)
	}
}

func (s *SQLiteStore) closeRows(prefix string, rows *sql.Rows) {
	if cerr := rows.Close(); cerr != nil {
		s.logErr(prefix+": rows.Close", cerr)
	}
}

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func int64ToBool(v int64) bool { return v != 0 }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

func nullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeJSON(v map[string]string) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeStringMap(ns sql.NullString) map[string]string {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		logger().WithError(err).Warn("sqlite store: decode string map")
		return nil
	}
	return out
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// --- studies, relations, participants ---

func (s *SQLiteStore) AddStudy(ctx context.Context, st *services.Study) error {
	tz := st.Timezone
	if tz == "" {
		tz = "UTC"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO studies (id, name, timezone, forest_enabled, deleted, created_at)
      VALUES (?, ?, ?, ?, ?, ?)`, st.ID, st.Name, tz, boolToInt64(st.ForestEnabled), boolToInt64(st.Deleted), formatTime(time.Now()))
	return err
}

func (s *SQLiteStore) GetStudy(ctx context.Context, id string) (*services.Study, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, timezone, forest_enabled, deleted FROM studies WHERE id = ?`, id)
	var st services.Study
	var forest, deleted int64
	if err := row.Scan(&st.ID, &st.Name, &st.Timezone, &forest, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	st.ForestEnabled = int64ToBool(forest)
	st.Deleted = int64ToBool(deleted)
	return &st, nil
}

func (s *SQLiteStore) ListStudies(ctx context.Context, researcherID string) ([]*services.Study, error) {
	query := `SELECT id, name, timezone, forest_enabled, deleted FROM studies WHERE deleted = 0 ORDER BY name, id`
	args := []any{}
	if researcherID != "" {
		query = `SELECT s.id, s.name, s.timezone, s.forest_enabled, s.deleted FROM studies s
      JOIN study_relations r ON r.study_id = s.id
      WHERE s.deleted = 0 AND r.researcher_id = ? ORDER BY s.name, s.id`
		args = append(args, researcherID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer s.closeRows("ListStudies", rows)
	var out []*services.Study
	for rows.Next() {
		var st services.Study
		var forest, deleted int64
		if err := rows.Scan(&st.ID, &st.Name, &st.Timezone, &forest, &deleted); err != nil {
			return nil, err
		}
		st.ForestEnabled = int64ToBool(forest)
		st.Deleted = int64ToBool(deleted)
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddStudyRelation(ctx context.Context, studyID, researcherID, role string) error {
	if strings.TrimSpace(role) == "" {
		role = "researcher"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO study_relations (study_id, researcher_id, role) VALUES (?, ?, ?)
      ON CONFLICT(study_id, researcher_id) DO UPDATE SET role = excluded.role`, studyID, researcherID, role)
	return err
}

func (s *SQLiteStore) HasStudyRelation(ctx context.Context, studyID, researcherID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM study_relations WHERE study_id = ? AND researcher_id = ?`, studyID, researcherID).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) AddParticipant(ctx context.Context, p *services.Participant) error {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO participants (id, study_id, patient_id, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.StudyID, p.PatientID, formatTime(created))
	return err
}

func (s *SQLiteStore) ListParticipantsByPatientIDs(ctx context.Context, studyID string, patientIDs []string) ([]*services.Participant, error) {
	if len(patientIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(patientIDs)+1)
	args = append(args, studyID)
	for _, p := range patientIDs {
		args = append(args, p)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, study_id, patient_id, created_at FROM participants
      WHERE study_id = ? AND patient_id IN (`+placeholders(len(patientIDs))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer s.closeRows("ListParticipantsByPatientIDs", rows)
	var out []*services.Participant
	for rows.Next() {
		var p services.Participant
		var created string
		if err := rows.Scan(&p.ID, &p.StudyID, &p.PatientID, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(created)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetParticipantByPatientID(ctx context.Context, studyID, patientID string) (*services.Participant, error) {
	found, err := s.ListParticipantsByPatientIDs(ctx, studyID, []string{patientID})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

// --- api keys ---

func (s *SQLiteStore) AddAPIKey(ctx context.Context, k *services.APIKey) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_keys (access_key_id, secret_hash, researcher_id, site_admin, is_active, readable_name, created_at)
      VALUES (?, ?, ?, ?, ?, ?, ?)`, k.AccessKeyID, k.SecretHash, k.ResearcherID, boolToInt64(k.SiteAdmin), boolToInt64(k.IsActive), k.ReadableName, formatTime(k.CreatedAt))
	return err
}

func (s *SQLiteStore) GetAPIKey(ctx context.Context, accessKeyID string) (*services.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT access_key_id, secret_hash, researcher_id, site_admin, is_active, readable_name, created_at
      FROM api_keys WHERE access_key_id = ? AND is_active = 1`, accessKeyID)
	var k services.APIKey
	var admin, active int64
	var created string
	if err := row.Scan(&k.AccessKeyID, &k.SecretHash, &k.ResearcherID, &admin, &active, &k.ReadableName, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	k.SiteAdmin = int64ToBool(admin)
	k.IsActive = int64ToBool(active)
	k.CreatedAt = parseTime(created)
	return &k, nil
}

func (s *SQLiteStore) UpdateAPIKeyHash(ctx context.Context, accessKeyID, secretHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET secret_hash = ? WHERE access_key_id = ?`, secretHash, accessKeyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) DeactivateAPIKey(ctx context.Context, accessKeyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET is_active = 0 WHERE access_key_id = ?`, accessKeyID)
	return err
}

// --- record index ---

// AddRecord appends a record to the index and returns its id.
func (s *SQLiteStore) AddRecord(ctx context.Context, r *services.RecordRef) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO data_records
      (study_id, participant_id, patient_id, data_stream, time_bin, chunk_path, chunk_hash, file_size, survey_object_id)
      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.StudyID, r.ParticipantID, r.PatientID, r.Stream, r.TimeBin.UTC().Unix(), r.ChunkPath, r.ChunkHash, r.FileSize, toNullString(r.SurveyObjectID))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ceilUnix rounds a sub-second start up so a bin before it never matches.
// time.Unix already floors, which is what an inclusive end needs.
func ceilUnix(t time.Time) int64 {
	sec := t.Unix()
	if t.Nanosecond() != 0 {
		sec++
	}
	return sec
}

func (s *SQLiteStore) ListRecordPage(ctx context.Context, q *services.QueryDescriptor, after *services.RecordCursor, limit int) ([]services.RecordRef, error) {
	var where []string
	var args []any
	where = append(where, "study_id = ?")
	args = append(args, q.StudyID)
	if len(q.Streams) > 0 {
		where = append(where, "data_stream IN ("+placeholders(len(q.Streams))+")")
		for _, st := range q.Streams {
			args = append(args, st)
		}
	}
	if len(q.ParticipantIDs) > 0 {
		where = append(where, "participant_id IN ("+placeholders(len(q.ParticipantIDs))+")")
		for _, p := range q.ParticipantIDs {
			args = append(args, p)
		}
	}
	if q.Start != nil {
		where = append(where, "time_bin >= ?")
		args = append(args, ceilUnix(*q.Start))
	}
	if q.End != nil {
		where = append(where, "time_bin <= ?")
		args = append(args, q.End.UTC().Unix())
	}
	if after != nil {
		where = append(where, "(patient_id, data_stream, time_bin, id) > (?, ?, ?, ?)")
		args = append(args, after.PatientID, after.Stream, after.TimeBin.UTC().Unix(), after.ID)
	}
	args = append(args, limit)
	query := `SELECT id, study_id, participant_id, patient_id, data_stream, time_bin, chunk_path, chunk_hash, file_size, survey_object_id
      FROM data_records WHERE ` + strings.Join(where, " AND ") + `
      ORDER BY patient_id, data_stream, time_bin, id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer s.closeRows("ListRecordPage", rows)
	out := make([]services.RecordRef, 0, limit)
	for rows.Next() {
		var r services.RecordRef
		var bin int64
		var survey sql.NullString
		if err := rows.Scan(&r.ID, &r.StudyID, &r.ParticipantID, &r.PatientID, &r.Stream, &bin, &r.ChunkPath, &r.ChunkHash, &r.FileSize, &survey); err != nil {
			return nil, err
		}
		r.TimeBin = time.Unix(bin, 0).UTC()
		r.SurveyObjectID = survey.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- forest tasks ---

const taskColumns = `id, study_id, participant_id, patient_id, tree, data_date_start, data_date_end, params, status,
      cancel_requested, created_at, started_at, completed_at, total_file_size, output_exists, output_key, error_message, error_kind`

func (s *SQLiteStore) AddForestTask(ctx context.Context, t *services.ForestTask) error {
	params, err := encodeJSON(t.Params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO forest_tasks (id, study_id, participant_id, patient_id, tree, data_date_start, data_date_end, params, status, created_at)
      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.StudyID, t.ParticipantID, t.PatientID, t.Tree,
		t.DataDateStart.Format(services.DateLayout), t.DataDateEnd.Format(services.DateLayout),
		params, string(t.Status), formatTime(t.CreatedAt))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(sc rowScanner) (*services.ForestTask, error) {
	var t services.ForestTask
	var start, end, status, created string
	var params, started, completed sql.NullString
	var cancel int64
	var exists sql.NullInt64
	if err := sc.Scan(&t.ID, &t.StudyID, &t.ParticipantID, &t.PatientID, &t.Tree, &start, &end, &params, &status,
		&cancel, &created, &started, &completed, &t.TotalFileSize, &exists, &t.OutputKey, &t.ErrorMessage, &t.ErrorKind); err != nil {
		return nil, err
	}
	t.DataDateStart, _ = time.Parse(services.DateLayout, start)
	t.DataDateEnd, _ = time.Parse(services.DateLayout, end)
	t.Params = decodeStringMap(params)
	t.Status = services.TaskStatus(status)
	t.CancelRequested = int64ToBool(cancel)
	t.CreatedAt = parseTime(created)
	t.StartedAt = nullTime(started)
	t.CompletedAt = nullTime(completed)
	if exists.Valid {
		v := int64ToBool(exists.Int64)
		t.OutputExists = &v
	}
	return &t, nil
}

func (s *SQLiteStore) GetForestTask(ctx context.Context, id string) (*services.ForestTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM forest_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) ListForestTasks(ctx context.Context, studyID string) ([]*services.ForestTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM forest_tasks WHERE study_id = ? ORDER BY created_at DESC, id DESC`, studyID)
	if err != nil {
		return nil, err
	}
	defer s.closeRows("ListForestTasks", rows)
	var out []*services.ForestTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionForestTask is a compare-and-set on status; concurrent callers
// racing on the same from state see exactly one success.
func (s *SQLiteStore) TransitionForestTask(ctx context.Context, id string, from, to services.TaskStatus, at time.Time, out *services.TaskOutcome) (bool, error) {
	var res sql.Result
	var err error
	switch {
	case to == services.TaskRunning:
		res, err = s.db.ExecContext(ctx, `UPDATE forest_tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			string(to), formatTime(at), id, string(from))
	case to.Terminal() && out != nil:
		res, err = s.db.ExecContext(ctx, `UPDATE forest_tasks SET status = ?, completed_at = ?, total_file_size = ?,
      output_exists = ?, output_key = ?, error_message = ?, error_kind = ? WHERE id = ? AND status = ?`,
			string(to), formatTime(at), out.TotalFileSize, boolToInt64(out.OutputExists), out.OutputKey, out.ErrorMessage, out.ErrorKind,
			id, string(from))
	case to.Terminal():
		res, err = s.db.ExecContext(ctx, `UPDATE forest_tasks SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
			string(to), formatTime(at), id, string(from))
	default:
		res, err = s.db.ExecContext(ctx, `UPDATE forest_tasks SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) RequestForestTaskCancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE forest_tasks SET cancel_requested = 1 WHERE id = ? AND status = ?`, id, string(services.TaskRunning))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// --- task log ---

func (s *SQLiteStore) AppendTaskEvent(ctx context.Context, e *services.TaskEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO task_log (task_id, event, terminal, message, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		e.TaskID, e.Event, boolToInt64(e.Terminal), e.Message, formatTime(e.RecordedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) ListTaskEvents(ctx context.Context, taskID string) ([]*services.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT l.id, l.task_id, COALESCE(t.study_id, ''), l.event, l.terminal, l.message, l.recorded_at
      FROM task_log l LEFT JOIN forest_tasks t ON t.id = l.task_id WHERE l.task_id = ? ORDER BY l.id`, taskID)
	if err != nil {
		return nil, err
	}
	defer s.closeRows("ListTaskEvents", rows)
	var out []*services.TaskEvent
	for rows.Next() {
		var e services.TaskEvent
		var terminal int64
		var recorded string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.StudyID, &e.Event, &terminal, &e.Message, &recorded); err != nil {
			return nil, err
		}
		e.Terminal = int64ToBool(terminal)
		e.RecordedAt = parseTime(recorded)
		out = append(out, &e)
	}
	return out, rows.Err()
}
