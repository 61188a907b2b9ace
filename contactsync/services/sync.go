package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/natserract/dataverse/pkg/dataverse"
)

const syncWorkers = 4

// SyncMetrics aggregates the outcome of a sync run across workers.
type SyncMetrics struct {
	mu sync.Mutex

	BatchesSubmitted  int
	ContactsSucceeded int
	ContactsFailed    int
}

func (m *SyncMetrics) addBatch(succeeded, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchesSubmitted++
	m.ContactsSucceeded += succeeded
	m.ContactsFailed += failed
}

// SyncService exports staged contacts to the remote platform in batches.
type SyncService struct {
	client     *dataverse.Client
	contactSvc *ContactService
	logger     *zap.Logger
}

// NewSyncService creates a new sync service
func NewSyncService(client *dataverse.Client, contactSvc *ContactService, logger *zap.Logger) *SyncService {
	return &SyncService{
		client:     client,
		contactSvc: contactSvc,
		logger:     logger,
	}
}

// SyncAll exports every unsynced staged contact. Contacts are chunked into
// batch submissions and the chunks run on a bounded worker pool. Individual
// operation failures are written back to the staging table and do not stop
// the run; only submission-level failures abort it.
func (s *SyncService) SyncAll(ctx context.Context) (*SyncMetrics, error) {
	contacts, err := s.contactSvc.ListUnsynced(ctx, 0)
	if err != nil {
		return nil, err
	}

	metrics := &SyncMetrics{}
	if len(contacts) == 0 {
		s.logger.Info("No unsynced contacts to export")
		return metrics, nil
	}

	s.logger.Info("Starting contact export",
		zap.Int("contacts", len(contacts)),
		zap.Int("batch_size", dataverse.SafeBatchSize))

	p := pool.New().WithMaxGoroutines(syncWorkers).WithErrors()

	for start := 0; start < len(contacts); start += dataverse.SafeBatchSize {
		end := start + dataverse.SafeBatchSize
		if end > len(contacts) {
			end = len(contacts)
		}
		chunk := contacts[start:end]

		p.Go(func() error {
			return s.syncChunk(ctx, chunk, metrics)
		})
	}

	if err := p.Wait(); err != nil {
		return metrics, err
	}

	s.logger.Info("Contact export finished",
		zap.Int("batches", metrics.BatchesSubmitted),
		zap.Int("succeeded", metrics.ContactsSucceeded),
		zap.Int("failed", metrics.ContactsFailed))

	return metrics, nil
}

func (s *SyncService) syncChunk(ctx context.Context, chunk []Contact, metrics *SyncMetrics) error {
	batch := s.client.NewBatch()
	for _, c := range chunk {
		if err := dataverse.BatchUpsert(batch, ContactMapping, c); err != nil {
			return fmt.Errorf("failed to queue contact %s: %w", c.ContactID, err)
		}
	}

	result, err := s.client.Execute(ctx, batch)
	if err != nil {
		// Submission itself failed; the outcome of each operation is
		// unknown, so leave the rows untouched for the next run.
		return fmt.Errorf("batch submission failed: %w", err)
	}

	succeeded, failed := 0, 0
	for i, entry := range result {
		contact := chunk[i]
		if entry.Ok() {
			succeeded++
			if err := s.contactSvc.MarkSynced(ctx, contact.ContactID); err != nil {
				return err
			}
			continue
		}

		failed++
		s.logger.Warn("Contact export rejected",
			zap.String("contact_id", contact.ContactID.String()),
			zap.Error(entry.Err))
		if err := s.contactSvc.MarkFailed(ctx, contact.ContactID, entry.Err.Error()); err != nil {
			return err
		}
	}

	metrics.addBatch(succeeded, failed)
	return nil
}
