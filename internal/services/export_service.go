package services

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	// ExportErrorEntry is appended to an archive that was cut short.
	ExportErrorEntry = "EXPORT_ERROR"
	// RegistryEntry lists chunk_path -> chunk_hash for every included record.
	RegistryEntry = "registry"

	entryTimeLayout = "2006-01-02 15_04_05"
	copyBufferSize  = 32 * 1024
)

// BlobReader opens stored record payloads by key.
type BlobReader interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

type ExportSummary struct {
	Entries         int
	SkippedRegistry int
	Duplicates      int
	PayloadBytes    int64
	BytesWritten    int64
}

type ExportService struct {
	blobs BlobReader
}

func NewExportService(blobs BlobReader) *ExportService {
	return &ExportService{blobs: blobs}
}

type flusher interface{ Flush() }

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Stream writes refs into a zip archive on w, one entry at a time. When w can
// be flushed it is flushed after every entry. On failure after bytes have
// reached w an ExportErrorEntry is written and the archive is closed; either
// way the error is returned and sum.BytesWritten tells the two cases apart.
func (s *ExportService) Stream(ctx context.Context, w io.Writer, q *QueryDescriptor, refs iter.Seq2[RecordRef, error]) (*ExportSummary, error) {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	method := zip.Store
	if q.Compress {
		zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
		method = zstd.ZipMethodWinZip
	}
	fl, _ := w.(flusher)
	flush := func() error {
		if err := zw.Flush(); err != nil {
			return err
		}
		if fl != nil {
			fl.Flush()
		}
		return nil
	}

	sum := &ExportSummary{}
	seen := map[string]struct{}{}
	var registry map[string]string
	if q.IncludeRegistry {
		registry = map[string]string{}
	}
	buf := make([]byte, copyBufferSize)
	fail := func(err error) (*ExportSummary, error) {
		if cw.n == 0 {
			// Nothing reached w; the caller can still report a plain error.
			logger().WithError(err).Warn("export failed before first byte")
			return sum, err
		}
		writeErrorMarker(zw, err)
		if fl != nil {
			fl.Flush()
		}
		sum.BytesWritten = cw.n
		logger().WithError(err).WithField("entries", sum.Entries).Warn("export aborted")
		return sum, err
	}

	for ref, err := range refs {
		if err != nil {
			return fail(err)
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if h, ok := q.Registry[ref.ChunkPath]; ok && h == ref.ChunkHash {
			sum.SkippedRegistry++
			continue
		}
		if registry != nil {
			registry[ref.ChunkPath] = ref.ChunkHash
		}
		name := EntryPath(ref)
		if _, dup := seen[name]; dup {
			sum.Duplicates++
			logger().WithField("entry", name).WithField("chunk_path", ref.ChunkPath).Debug("duplicate entry skipped")
			continue
		}
		seen[name] = struct{}{}
		n, err := s.writeEntry(ctx, zw, ref, name, method, buf)
		if err != nil {
			return fail(err)
		}
		sum.Entries++
		sum.PayloadBytes += n
		if err := flush(); err != nil {
			return fail(fmt.Errorf("flush: %w", err))
		}
	}

	if registry != nil {
		body, err := json.Marshal(registry)
		if err != nil {
			return fail(err)
		}
		ew, err := zw.CreateHeader(&zip.FileHeader{Name: RegistryEntry, Method: method})
		if err != nil {
			return fail(fmt.Errorf("write registry: %w", err))
		}
		if _, err := ew.Write(body); err != nil {
			return fail(fmt.Errorf("write registry: %w", err))
		}
	}
	if err := zw.Close(); err != nil {
		sum.BytesWritten = cw.n
		return sum, fmt.Errorf("close archive: %w", err)
	}
	if fl != nil {
		fl.Flush()
	}
	sum.BytesWritten = cw.n
	return sum, nil
}

func (s *ExportService) writeEntry(ctx context.Context, zw *zip.Writer, ref RecordRef, name string, method uint16, buf []byte) (int64, error) {
	rc, err := s.blobs.Open(ctx, ref.ChunkPath)
	if err != nil {
		return 0, NewStorageError("fetch "+ref.ChunkPath, err)
	}
	defer rc.Close()
	hdr := &zip.FileHeader{Name: name, Method: method}
	if !ref.TimeBin.IsZero() {
		hdr.Modified = ref.TimeBin.UTC()
	}
	ew, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, fmt.Errorf("create entry %s: %w", name, err)
	}
	n, err := io.CopyBuffer(ew, rc, buf)
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", ref.ChunkPath, err)
	}
	return n, nil
}

func writeErrorMarker(zw *zip.Writer, cause error) {
	ew, err := zw.CreateHeader(&zip.FileHeader{Name: ExportErrorEntry, Method: zip.Store})
	if err == nil {
		_, _ = io.WriteString(ew, cause.Error())
	}
	_ = zw.Close()
}

// EntryPath is the archive path of a record:
// patient/stream[/survey]/<time>.<ext>, with image surveys keeping their
// original survey/instance/file layout.
func EntryPath(ref RecordRef) string {
	path := ref.ChunkPath
	ext := path
	if len(ext) > 3 {
		ext = ext[len(ext)-3:]
	}
	stamp := ref.TimeBin.UTC().Format(entryTimeLayout) + "+00_00"
	segs := strings.Split(path, "/")
	// fromEnd(1) is the last segment.
	fromEnd := func(i int) string {
		if len(segs) < i {
			return ""
		}
		return segs[len(segs)-i]
	}

	switch ref.Stream {
	case StreamSurveyAnswers:
		if survey := fromEnd(2); survey != "" {
			return fmt.Sprintf("%s/%s/%s/%s.%s", ref.PatientID, ref.Stream, survey, stamp, ext)
		}
	case StreamImageSurvey:
		if len(segs) >= 3 {
			return fmt.Sprintf("%s/%s/%s/%s/%s", ref.PatientID, ref.Stream, fromEnd(3), fromEnd(2), fromEnd(1))
		}
	case StreamSurveyTimings:
		if survey := strings.TrimSpace(ref.SurveyObjectID); survey != "" {
			return fmt.Sprintf("%s/%s/%s/%s.%s", ref.PatientID, ref.Stream, survey, stamp, ext)
		}
	case StreamAudioRecordings:
		// Older app versions omitted the survey id segment.
		if strings.Count(path, "/") == 4 {
			return fmt.Sprintf("%s/%s/%s/%s.%s", ref.PatientID, ref.Stream, fromEnd(2), stamp, ext)
		}
	}
	return fmt.Sprintf("%s/%s/%s.%s", ref.PatientID, ref.Stream, stamp, ext)
}
