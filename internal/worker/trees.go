package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"path"
	"time"

	"github.com/soaringjerry/Sylva/internal/blob"
	"github.com/soaringjerry/Sylva/internal/services"
)

// Runner executes one Forest tree for one task. Implementations must return
// promptly once ctx is done.
type Runner interface {
	Run(ctx context.Context, task *services.ForestTask, study *services.Study) (services.TaskOutcome, error)
}

type RecordLocator interface {
	Locate(ctx context.Context, q *services.QueryDescriptor) iter.Seq2[services.RecordRef, error]
}

// TreeRunner summarizes a participant's records for the tree's streams into
// per-day counts and stores the result as CSV.
type TreeRunner struct {
	tree         string
	streams      []string
	locator      RecordLocator
	blobs        blob.Store
	outputPrefix string
}

func NewTreeRunner(tree string, locator RecordLocator, blobs blob.Store, outputPrefix string) *TreeRunner {
	if outputPrefix == "" {
		outputPrefix = "forest"
	}
	return &TreeRunner{
		tree:         tree,
		streams:      services.TreeStreams(tree),
		locator:      locator,
		blobs:        blobs,
		outputPrefix: outputPrefix,
	}
}

// NewRunners returns a runner for every known tree.
func NewRunners(locator RecordLocator, blobs blob.Store, outputPrefix string) map[string]Runner {
	return map[string]Runner{
		services.TreeJasmine:  NewTreeRunner(services.TreeJasmine, locator, blobs, outputPrefix),
		services.TreeWillow:   NewTreeRunner(services.TreeWillow, locator, blobs, outputPrefix),
		services.TreeSycamore: NewTreeRunner(services.TreeSycamore, locator, blobs, outputPrefix),
	}
}

// DayWindow converts an inclusive calendar date range in loc into the UTC
// instants bounding it.
func DayWindow(start, end time.Time, loc *time.Location) (time.Time, time.Time) {
	from := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	to := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1).Add(-time.Second)
	return from.UTC(), to.UTC()
}

func (r *TreeRunner) OutputKey(task *services.ForestTask) string {
	return path.Join(r.outputPrefix, task.StudyID, task.ID, "summary.csv")
}

func (r *TreeRunner) Run(ctx context.Context, task *services.ForestTask, study *services.Study) (services.TaskOutcome, error) {
	var out services.TaskOutcome
	loc := study.Location()
	from, to := DayWindow(task.DataDateStart, task.DataDateEnd, loc)
	q := &services.QueryDescriptor{
		StudyID:        task.StudyID,
		ParticipantIDs: []string{task.ParticipantID},
		Streams:        r.streams,
		Start:          &from,
		End:            &to,
	}

	stats := map[string]*services.DailyStat{}
	records := 0
	for ref, err := range r.locator.Locate(ctx, q) {
		if err != nil {
			return out, err
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rows, n, err := r.countRows(ctx, ref.ChunkPath)
		if err != nil {
			return out, fmt.Errorf("%s: read %s: %w", r.tree, ref.ChunkPath, err)
		}
		size := ref.FileSize
		if size == 0 {
			size = n
		}
		day := ref.TimeBin.In(loc).Format(services.DateLayout)
		key := day + "|" + ref.Stream
		st, ok := stats[key]
		if !ok {
			st = &services.DailyStat{Date: day, Stream: ref.Stream}
			stats[key] = st
		}
		st.Records++
		st.Rows += rows
		st.Bytes += size
		out.TotalFileSize += size
		records++
	}
	if records == 0 {
		out.ErrorMessage = services.NoDataError
		out.ErrorKind = services.ErrorKindNoData
		return out, services.ErrNoData
	}

	list := make([]services.DailyStat, 0, len(stats))
	for _, st := range stats {
		list = append(list, *st)
	}
	body, err := services.ExportDailyStatsCSV(task.PatientID, list)
	if err != nil {
		return out, err
	}
	key := r.OutputKey(task)
	if err := r.blobs.Put(ctx, key, body); err != nil {
		return out, fmt.Errorf("%s: store output: %w", r.tree, err)
	}
	out.OutputExists = true
	out.OutputKey = key
	return out, nil
}

// countRows returns the number of data rows (lines after the header) and the
// byte size of the blob.
func (r *TreeRunner) countRows(ctx context.Context, key string) (int, int64, error) {
	rc, err := r.blobs.Open(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	defer rc.Close()
	buf := make([]byte, 32*1024)
	var lines int
	var size int64
	var last byte
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			lines += bytes.Count(buf[:n], []byte{'\n'})
			last = buf[n-1]
			size += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, size, err
		}
	}
	if size > 0 && last != '\n' {
		lines++
	}
	if lines > 0 {
		lines--
	}
	return lines, size, nil
}
