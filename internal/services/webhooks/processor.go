package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/coordinator"
	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/models"
)

// changeKeyTTL bounds how long a processed ChangeKey blocks re-processing.
// SharePoint redelivers within minutes; a day covers every retry schedule.
const changeKeyTTL = 24 * time.Hour

// ErrUnknownSubscription is returned for notifications that reference no
// registered subscription
var ErrUnknownSubscription = errors.New("notification references unknown subscription")

// ErrClientStateMismatch is returned when the notification's clientState
// does not match the stored subscription secret
var ErrClientStateMismatch = errors.New("notification clientState does not match subscription")

// Submitter queues a job descriptor for dispatch
type Submitter interface {
	Submit(ctx context.Context, d *models.JobDescriptor) error
}

// AuditRecorder emits the sync audit entry
type AuditRecorder interface {
	Record(ctx context.Context, entry *models.AuditLog)
}

// syncPayload is the job payload handed to the sync executor
type syncPayload struct {
	SubscriptionID string `json:"subscription_id"`
	IntegrationID  string `json:"integration_id"`
	Resource       string `json:"resource,omitempty"`
	ItemID         string `json:"item_id,omitempty"`
	DeltaToken     string `json:"delta_token,omitempty"`
}

// Processor turns SharePoint change notifications into sync jobs. Each
// notification is authenticated against the subscription's clientState,
// deduplicated on its ChangeKey, filtered by the subscription scope, and
// queued as a delta sync when a delta token exists or a full pull otherwise.
type Processor struct {
	subs      interfaces.SubscriptionStorage
	jobs      interfaces.JobStorage
	submitter Submitter
	coord     *coordinator.Client
	audit     AuditRecorder
	logger    arbor.ILogger
}

// NewProcessor creates a webhook processor
func NewProcessor(subs interfaces.SubscriptionStorage, jobs interfaces.JobStorage, submitter Submitter, coord *coordinator.Client, audit AuditRecorder, logger arbor.ILogger) *Processor {
	return &Processor{
		subs:      subs,
		jobs:      jobs,
		submitter: submitter,
		coord:     coord,
		audit:     audit,
		logger:    logger,
	}
}

// Process handles one notification. Dropped notifications (duplicates,
// out-of-scope items) return nil; only authentication and infrastructure
// failures surface as errors.
func (p *Processor) Process(ctx context.Context, n models.SharePointNotification) error {
	sub, err := p.subs.GetSubscription(ctx, n.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to load subscription %s: %w", n.SubscriptionID, err)
	}
	if sub == nil {
		return ErrUnknownSubscription
	}

	if sub.ClientState == "" || sub.ClientState != n.ClientState {
		p.logger.Warn().
			Str("subscription_id", sub.ID).
			Str("tenant_id", sub.TenantID).
			Msg("Rejected notification with invalid clientState")
		return ErrClientStateMismatch
	}

	if n.ChangeKey != "" {
		claimed, err := p.coord.SetNX(ctx, coordinator.ChangeKeyDedupKey(sub.TenantID, n.ChangeKey), "1", changeKeyTTL)
		if err != nil {
			// Coordinator down: process anyway. A duplicate sync is
			// idempotent downstream; a dropped change is not.
			p.logger.Warn().Err(err).Str("change_key", n.ChangeKey).Msg("ChangeKey dedup unavailable, processing notification")
		} else if !claimed {
			p.logger.Debug().
				Str("subscription_id", sub.ID).
				Str("change_key", n.ChangeKey).
				Msg("Dropped duplicate notification")
			return nil
		}
	}

	if !p.inScope(sub, n) {
		p.logger.Debug().
			Str("subscription_id", sub.ID).
			Str("item_id", n.ItemID).
			Msg("Notification outside subscription scope, dropped")
		return nil
	}

	task := models.JobTaskPullSharePointContent
	if sub.DeltaToken != "" {
		task = models.JobTaskSyncSharePointDelta
	}

	job := &models.Job{
		ID:       common.NewJobID(),
		TenantID: sub.TenantID,
		Task:     task,
		Status:   models.JobStatusQueued,
		UserID:   "system",
	}
	if err := p.jobs.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}

	payload, err := json.Marshal(syncPayload{
		SubscriptionID: sub.ID,
		IntegrationID:  sub.IntegrationID,
		Resource:       n.Resource,
		ItemID:         n.ItemID,
		DeltaToken:     sub.DeltaToken,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sync payload: %w", err)
	}

	if err := p.submitter.Submit(ctx, &models.JobDescriptor{
		JobID:    job.ID,
		TenantID: sub.TenantID,
		Task:     string(task),
		Payload:  payload,
	}); err != nil {
		if failErr := p.jobs.MarkJobFailed(ctx, job.ID, "failed to queue sync job"); failErr != nil {
			p.logger.Error().Err(failErr).Str("job_id", job.ID).Msg("Failed to mark unqueued sync job as failed")
		}
		return fmt.Errorf("failed to queue sync job %s: %w", job.ID, err)
	}

	p.logger.Info().
		Str("subscription_id", sub.ID).
		Str("tenant_id", sub.TenantID).
		Str("job_id", job.ID).
		Str("task", string(task)).
		Msg("Queued SharePoint sync job")

	if p.audit != nil {
		p.audit.Record(ctx, &models.AuditLog{
			ID:         common.NewID(),
			TenantID:   sub.TenantID,
			ActorType:  models.ActorTypeSystem,
			Action:     models.ActionSharePointSync,
			EntityType: "sharepoint_subscription",
			EntityID:   sub.ID,
			Description: fmt.Sprintf("queued %s for subscription %s", task, sub.ID),
			Outcome:    models.OutcomeSuccess,
			Metadata: map[string]interface{}{
				"job_id":         job.ID,
				"integration_id": sub.IntegrationID,
				"scope":          string(sub.Scope),
			},
		})
	}

	return nil
}

// inScope applies the subscription's scope filter. Site-root, drive and
// folder subscriptions accept every notification (folder containment is
// resolved by the sync executor, which sees the item hierarchy). File
// subscriptions accept only their own item, except when the notification
// carries no item id at all.
func (p *Processor) inScope(sub *models.SharePointSubscription, n models.SharePointNotification) bool {
	switch sub.Scope {
	case models.SharePointScopeSiteRoot, models.SharePointScopeDrive, models.SharePointScopeFolder:
		return true
	case models.SharePointScopeFile:
		return n.ItemID == "" || n.ItemID == sub.ItemID
	default:
		return false
	}
}
