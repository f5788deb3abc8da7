package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/inkwell-cms/apiserver/internal/logger"
	"github.com/inkwell-cms/apiserver/internal/metrics"
	"github.com/inkwell-cms/apiserver/types"
	"github.com/rs/zerolog"
)

// ChannelCleanupFailed carries a types.CleanupFailedEvent for every
// compensating delete that failed.
const ChannelCleanupFailed = "media.cleanup_failed"

const defaultCleanupTimeout = 30 * time.Second

// Compensation reasons, used in logs, metrics and events.
const (
	ReasonPersistFailed = "persist_failed"
	ReasonReplaced      = "replaced"
	ReasonDeleted       = "record_deleted"
	ReasonOrphan        = "orphan"
)

// ObjectDeleter removes objects. Deleting a missing key must succeed.
type ObjectDeleter interface {
	Delete(ctx context.Context, key string) error
}

// EventPublisher publishes broker messages.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// Compensator performs best-effort object deletions. Failures are logged,
// counted and announced, never returned.
type Compensator struct {
	objects   ObjectDeleter
	publisher EventPublisher
	log       zerolog.Logger
	timeout   time.Duration
	now       func() time.Time
}

// NewCompensator builds a Compensator. publisher may be nil.
func NewCompensator(objects ObjectDeleter, publisher EventPublisher, log zerolog.Logger, timeout time.Duration) *Compensator {
	if timeout <= 0 {
		timeout = defaultCleanupTimeout
	}
	return &Compensator{
		objects:   objects,
		publisher: publisher,
		log:       logger.Component(log, "compensator"),
		timeout:   timeout,
		now:       time.Now,
	}
}

// SafeDelete deletes key and reports whether it is gone. It runs detached
// from ctx's cancellation so an aborted request still cleans up after itself.
func (c *Compensator) SafeDelete(ctx context.Context, kind types.ResourceKind, key, reason string) bool {
	if key == "" {
		return true
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	err := c.objects.Delete(ctx, key)
	metrics.RecordCompensation(string(kind), reason, err)
	if err == nil {
		c.log.Debug().
			Str("kind", string(kind)).
			Str("storage_key", key).
			Str("reason", reason).
			Msg("compensating delete succeeded")
		return true
	}

	c.log.Error().
		Err(err).
		Str("kind", string(kind)).
		Str("storage_key", key).
		Str("reason", reason).
		Msg("compensating delete failed, object left for reconciliation")
	c.announce(ctx, types.CleanupFailedEvent{
		Kind:       kind,
		StorageKey: key,
		Reason:     reason,
		Error:      err.Error(),
		OccurredAt: c.now().UTC(),
	})
	return false
}

func (c *Compensator) announce(ctx context.Context, event types.CleanupFailedEvent) {
	if c.publisher == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		c.log.Warn().Err(err).Msg("encode cleanup event")
		return
	}
	attrs := map[string]string{"kind": string(event.Kind), "reason": event.Reason}
	if _, err := c.publisher.Publish(ctx, ChannelCleanupFailed, data, attrs); err != nil {
		c.log.Warn().
			Err(err).
			Str("storage_key", event.StorageKey).
			Msg("publish cleanup event")
	}
}
