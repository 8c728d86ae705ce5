package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/soaringjerry/Sylva/internal/api"
	"github.com/soaringjerry/Sylva/internal/utils"
)

type exportOptions struct {
	server     string
	accessKey  string
	secretKey  string
	studyID    string
	users      []string
	streams    []string
	timeStart  string
	timeEnd    string
	registry   string
	compress   bool
	webForm    bool
	out        string
	httpClient *http.Client
}

func (o *exportOptions) form() url.Values {
	v := url.Values{}
	v.Set("access_key", o.accessKey)
	v.Set("secret_key", o.secretKey)
	v.Set("study_id", o.studyID)
	for _, u := range o.users {
		v.Add("user_ids", u)
	}
	for _, s := range o.streams {
		v.Add("data_streams", s)
	}
	if o.timeStart != "" {
		v.Set("time_start", o.timeStart)
	}
	if o.timeEnd != "" {
		v.Set("time_end", o.timeEnd)
	}
	if o.registry != "" {
		v.Set("registry", o.registry)
	}
	if o.compress {
		v.Set("compress", "true")
	}
	if o.webForm {
		v.Set("web_form", "true")
	}
	return v
}

func newExportCmd() *cobra.Command {
	o := &exportOptions{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download a study export from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.accessKey == "" {
				o.accessKey = utils.FirstEnv("", "SYLVA_ACCESS_KEY", "SYLVA_ACCESS_KEY_ID")
			}
			if o.secretKey == "" {
				o.secretKey = utils.FirstEnv("", "SYLVA_SECRET_KEY", "SYLVA_ACCESS_KEY_SECRET")
			}
			if o.accessKey == "" || o.secretKey == "" || o.studyID == "" {
				return errors.New("access key, secret key and --study are required")
			}
			n, err := runExport(cmd, o)
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{"bytes": n, "file": o.out}).Info("export downloaded")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.server, "server", "http://localhost:8080", "base URL of the server")
	f.StringVar(&o.accessKey, "access-key", "", "access key id (or SYLVA_ACCESS_KEY)")
	f.StringVar(&o.secretKey, "secret-key", "", "secret key (or SYLVA_SECRET_KEY)")
	f.StringVar(&o.studyID, "study", "", "study id")
	f.StringSliceVar(&o.users, "user", nil, "patient ids to include")
	f.StringSliceVar(&o.streams, "stream", nil, "data streams to include")
	f.StringVar(&o.timeStart, "time-start", "", "inclusive lower time bound")
	f.StringVar(&o.timeEnd, "time-end", "", "inclusive upper time bound")
	f.StringVar(&o.registry, "registry", "", "JSON registry of chunks already held")
	f.BoolVar(&o.compress, "compress", false, "compress archive entries")
	f.BoolVar(&o.webForm, "web-form", false, "omit the registry entry")
	f.StringVarP(&o.out, "output", "o", "data.zip", "output file")
	return cmd
}

func runExport(cmd *cobra.Command, o *exportOptions) (int64, error) {
	client := o.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := strings.TrimRight(o.server, "/") + "/data/export"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, strings.NewReader(o.form().Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("export failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	f, err := os.Create(o.out)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(f, resp.Body)
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return n, fmt.Errorf("download export: %w", copyErr)
	}
	// Trailers are only populated once the body has been read to EOF.
	if msg := resp.Trailer.Get(api.ExportErrorTrailer); msg != "" {
		return n, fmt.Errorf("export ended early after %s: %s", time.Since(start).Round(time.Millisecond), msg)
	}
	return n, nil
}
