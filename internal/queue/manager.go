package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"maragu.dev/goqite"

	"github.com/ternarybob/crawlcore/internal/coordinator"
	"github.com/ternarybob/crawlcore/internal/models"
)

// dedupTTL bounds how long a job id blocks re-enqueue after its pool entry
// is gone. Long enough to cover any crawl; short enough to self-heal.
const dedupTTL = 24 * time.Hour

// Manager wraps goqite with a coordinator-side dedup layer keyed by job ID.
// Enqueue of a job already in the pool returns models.ErrDuplicateJob so the
// feeder can treat the dispatch as already done.
type Manager struct {
	q     *goqite.Queue
	coord *coordinator.Client
}

// NewManager creates a new queue manager
func NewManager(db *sql.DB, queueName string, coord *coordinator.Client) (*Manager, error) {
	// Setup creates the goqite tables if they don't exist
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := goqite.Setup(ctx, db); err != nil {
		// Ignore "already exists" errors - expected on subsequent startups
		if !strings.Contains(err.Error(), "already exists") {
			return nil, err
		}
	}

	q := goqite.New(goqite.NewOpts{
		DB:   db,
		Name: queueName,
	})

	return &Manager{q: q, coord: coord}, nil
}

// Enqueue adds a message to the worker pool. The dedup key is claimed first;
// if another dispatch already holds it, the message is rejected with
// models.ErrDuplicateJob and the pool is untouched.
func (m *Manager) Enqueue(ctx context.Context, msg models.QueueMessage) error {
	claimed, err := m.coord.SetNX(ctx, coordinator.PoolDedupKey(msg.JobID), "1", dedupTTL)
	if err != nil {
		return err
	}
	if !claimed {
		return models.ErrDuplicateJob
	}

	data, err := json.Marshal(msg)
	if err != nil {
		m.releaseDedup(msg.JobID)
		return err
	}

	if err := m.q.Send(ctx, goqite.Message{Body: data}); err != nil {
		m.releaseDedup(msg.JobID)
		return err
	}

	return nil
}

// Receive pulls the next message from the pool. Returns the message and a
// done function to call after processing; done removes both the pool entry
// and the dedup claim so the job id can be dispatched again.
func (m *Manager) Receive(ctx context.Context) (*models.QueueMessage, func() error, error) {
	gMsg, err := m.q.Receive(ctx)
	if err != nil {
		return nil, nil, err
	}

	if gMsg == nil {
		return nil, nil, models.ErrNoMessage
	}

	var msg models.QueueMessage
	if err := json.Unmarshal(gMsg.Body, &msg); err != nil {
		return nil, nil, err
	}

	// Fresh context with timeout so cleanup works even after the Receive
	// context has expired
	done := func() error {
		doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		m.releaseDedup(msg.JobID)
		return m.q.Delete(doneCtx, gMsg.ID)
	}

	return &msg, done, nil
}

// Extend extends the visibility timeout for a long-running job
func (m *Manager) Extend(ctx context.Context, messageID goqite.ID, duration time.Duration) error {
	return m.q.Extend(ctx, messageID, duration)
}

func (m *Manager) releaseDedup(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.coord.Delete(ctx, coordinator.PoolDedupKey(jobID))
}

// Close closes the queue manager
func (m *Manager) Close() error {
	return nil
}
