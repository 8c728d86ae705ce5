// Package blob stores record payloads and Forest outputs. Keys are
// slash-separated paths such as the chunk_path of a record.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("blob not found")

type Store interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

func logger() *logrus.Entry {
	return logrus.StandardLogger().WithField("module", "blob")
}

// CleanKey normalizes key and rejects keys that would escape the store root.
func CleanKey(key string) (string, error) {
	k := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(key)), "/")
	if k == "" || k == "." || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return k, nil
}
