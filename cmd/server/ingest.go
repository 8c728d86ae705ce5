package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/soaringjerry/Sylva/internal/services"
)

func newIngestCmd() *cobra.Command {
	var at, survey string
	cmd := &cobra.Command{
		Use:   "ingest STUDY_ID PATIENT_ID STREAM FILE",
		Short: "Store a chunk file and add it to the record index",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			studyID, patientID, stream, file := args[0], args[1], args[2], args[3]
			if !services.IsKnownStream(stream) {
				return fmt.Errorf("unknown data stream %q", stream)
			}
			bin := time.Now().UTC().Truncate(time.Hour)
			if at != "" {
				t, err := services.ParseTimeParam(at)
				if err != nil {
					return err
				}
				bin = t.UTC()
			}
			body, err := os.ReadFile(file)
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.store.GetParticipantByPatientID(ctx, studyID, patientID)
				if err != nil {
					return err
				}
				if p == nil {
					return fmt.Errorf("participant %s is not enrolled in study %s", patientID, studyID)
				}
				segs := []string{studyID, patientID, stream}
				if survey != "" {
					segs = append(segs, survey)
				}
				segs = append(segs, fmt.Sprintf("%d%s", bin.Unix(), filepath.Ext(file)))
				key := path.Join(segs...)
				// Records are append-only; never replace bytes under an indexed path.
				exists, err := a.blobs.Exists(ctx, key)
				if err != nil {
					return fmt.Errorf("check chunk: %w", err)
				}
				if exists {
					return fmt.Errorf("chunk %s is already stored", key)
				}
				if err := a.blobs.Put(ctx, key, body); err != nil {
					return fmt.Errorf("store chunk: %w", err)
				}
				sum := sha256.Sum256(body)
				id, err := a.store.AddRecord(ctx, &services.RecordRef{
					StudyID:        studyID,
					ParticipantID:  p.ID,
					PatientID:      patientID,
					Stream:         stream,
					TimeBin:        bin,
					ChunkPath:      key,
					ChunkHash:      hex.EncodeToString(sum[:]),
					FileSize:       int64(len(body)),
					SurveyObjectID: survey,
				})
				if err != nil {
					return err
				}
				logrus.WithFields(logrus.Fields{"record_id": id, "chunk_path": key}).Info("record ingested")
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "time-bin", "", "hour bucket of the chunk (defaults to the current hour)")
	cmd.Flags().StringVar(&survey, "survey", "", "survey object id for survey streams")
	return cmd
}
