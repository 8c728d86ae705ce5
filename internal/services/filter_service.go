package services

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// APITimeFormat is the timestamp layout clients send for time_start/time_end.
const APITimeFormat = "2006-01-02T15:04:05"

type FilterStore interface {
	// GetStudy returns nil, nil for unknown ids.
	GetStudy(ctx context.Context, id string) (*Study, error)
	HasStudyRelation(ctx context.Context, studyID, researcherID string) (bool, error)
	ListParticipantsByPatientIDs(ctx context.Context, studyID string, patientIDs []string) ([]*Participant, error)
	// ListStudies returns non-deleted studies; all of them when researcherID
	// is empty, otherwise only those related to the researcher.
	ListStudies(ctx context.Context, researcherID string) ([]*Study, error)
}

// RawExportParams mirrors the export request fields before validation.
type RawExportParams struct {
	StudyID     string
	UserIDs     []string
	DataStreams []string
	TimeStart   string
	TimeEnd     string
	Registry    string
	Compress    bool
	WebForm     bool
}

type FilterService struct {
	store FilterStore
}

func NewFilterService(store FilterStore) *FilterService {
	return &FilterService{store: store}
}

// Resolve validates raw parameters against what principal may see and turns
// them into a QueryDescriptor. Checks that need no I/O run first.
func (s *FilterService) Resolve(ctx context.Context, principal *Principal, raw RawExportParams) (*QueryDescriptor, error) {
	if principal == nil {
		return nil, NewUnauthorizedError(credentialFailed)
	}
	studyID := strings.TrimSpace(raw.StudyID)
	if studyID == "" {
		return nil, NewValidationError(ReasonMissingParam, "study_id required")
	}

	streams, err := ParseListParam(raw.DataStreams)
	if err != nil {
		return nil, NewValidationError(ReasonUnknownStream, "data_streams: "+err.Error())
	}
	for _, st := range streams {
		if !IsKnownStream(st) {
			return nil, NewValidationError(ReasonUnknownStream, "unknown data stream: "+st)
		}
	}
	if len(streams) == 0 {
		streams = AllStreams()
	}

	start, err := ParseTimeParam(raw.TimeStart)
	if err != nil {
		return nil, NewValidationError(ReasonBadTime, "time_start: "+err.Error())
	}
	end, err := ParseTimeParam(raw.TimeEnd)
	if err != nil {
		return nil, NewValidationError(ReasonBadTime, "time_end: "+err.Error())
	}
	if start != nil && end != nil && start.After(*end) {
		return nil, NewValidationError(ReasonBadRange, "time_start is after time_end")
	}

	registry, err := parseRegistry(raw.Registry)
	if err != nil {
		return nil, NewValidationError(ReasonBadRegistry, "registry must be a JSON object of path to hash")
	}

	if _, err := s.Authorize(ctx, principal, studyID); err != nil {
		return nil, err
	}

	patientIDs, err := ParseListParam(raw.UserIDs)
	if err != nil {
		return nil, NewValidationError(ReasonUnknownParticipant, "user_ids: "+err.Error())
	}
	var participantIDs []string
	if len(patientIDs) > 0 {
		found, err := s.store.ListParticipantsByPatientIDs(ctx, studyID, patientIDs)
		if err != nil {
			return nil, NewStorageError("load participants", err)
		}
		byPatient := make(map[string]string, len(found))
		for _, p := range found {
			byPatient[p.PatientID] = p.ID
		}
		participantIDs = make([]string, 0, len(patientIDs))
		for _, pid := range patientIDs {
			id, ok := byPatient[pid]
			if !ok {
				return nil, NewValidationError(ReasonUnknownParticipant, "participant not in study: "+pid)
			}
			participantIDs = append(participantIDs, id)
		}
	}

	return &QueryDescriptor{
		StudyID:         studyID,
		ParticipantIDs:  participantIDs,
		Streams:         streams,
		Start:           start,
		End:             end,
		Compress:        raw.Compress,
		Registry:        registry,
		IncludeRegistry: !raw.WebForm,
	}, nil
}

// Authorize checks that principal may read studyID. Unknown and deleted
// studies are reported exactly like studies the principal cannot see.
func (s *FilterService) Authorize(ctx context.Context, principal *Principal, studyID string) (*Study, error) {
	if principal == nil {
		return nil, NewUnauthorizedError(credentialFailed)
	}
	study, err := s.store.GetStudy(ctx, studyID)
	if err != nil {
		return nil, NewStorageError("load study", err)
	}
	if study == nil || study.Deleted {
		return nil, NewValidationError(ReasonForbidden, "no access to study "+studyID)
	}
	if principal.SiteAdmin {
		return study, nil
	}
	ok, err := s.store.HasStudyRelation(ctx, studyID, principal.ResearcherID)
	if err != nil {
		return nil, NewStorageError("load study relation", err)
	}
	if !ok {
		return nil, NewValidationError(ReasonForbidden, "no access to study "+studyID)
	}
	return study, nil
}

// Studies lists the studies principal may export from.
func (s *FilterService) Studies(ctx context.Context, principal *Principal) ([]*Study, error) {
	if principal == nil {
		return nil, NewUnauthorizedError(credentialFailed)
	}
	researcher := principal.ResearcherID
	if principal.SiteAdmin {
		researcher = ""
	}
	out, err := s.store.ListStudies(ctx, researcher)
	if err != nil {
		return nil, NewStorageError("list studies", err)
	}
	return out, nil
}

// ParseListParam flattens repeated form values. Each value is either a JSON
// array of strings or a bare string. Duplicates and blanks are dropped; an
// empty result means "all".
func ParseListParam(values []string) ([]string, error) {
	var out []string
	seen := map[string]struct{}{}
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if _, dup := seen[v]; dup {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if strings.HasPrefix(raw, "[") {
			var list []string
			if err := json.Unmarshal([]byte(raw), &list); err != nil {
				return nil, NewInvalidError("malformed list " + strconv.Quote(raw))
			}
			for _, v := range list {
				add(v)
			}
			continue
		}
		add(raw)
	}
	return out, nil
}

// ParseTimeParam accepts APITimeFormat (UTC), RFC3339 or epoch seconds. An
// empty value yields nil.
func ParseTimeParam(v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.ParseInLocation(APITimeFormat, v, time.UTC); err == nil {
		return &t, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		t = t.UTC()
		return &t, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t, nil
	}
	return nil, NewInvalidError("expected " + APITimeFormat + ", got " + strconv.Quote(v))
}

func parseRegistry(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var reg map[string]string
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return nil, err
	}
	return reg, nil
}
