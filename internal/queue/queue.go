// Package queue holds the durable work queue that carries Forest task ids
// from the dispatcher to the worker pool. Delivery is at least once: a
// claimed message that is not acked becomes visible again when its lease
// runs out.
package queue

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soaringjerry/Sylva/internal/services"
)

const DefaultLease = 5 * time.Minute

// Message is the stored payload of one queue entry.
type Message struct {
	TaskID     string    `cbor:"task_id"`
	EnqueuedAt time.Time `cbor:"enqueued_at"`
}

var (
	_ services.WorkQueue = (*SQLiteQueue)(nil)
	_ services.WorkQueue = (*MemoryQueue)(nil)
)

func logger() *logrus.Entry {
	return logrus.StandardLogger().WithField("module", "queue")
}
