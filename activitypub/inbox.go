package activitypub

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/tonearm/tonearm/db"
	"github.com/tonearm/tonearm/domain"
	"github.com/tonearm/tonearm/metrics"
)

// activityHandler applies one verified inbound activity. sender is the
// signature-verified remote actor, recipient the local actor addressed (the
// instance actor for shared inbox deliveries).
type activityHandler func(s *Service, ctx context.Context, a *Activity, sender, recipient *domain.Actor) error

// inboxRoutes is the explicit registry of per-type handlers. Types absent
// here are remembered for forward compatibility but produce no side effects.
var inboxRoutes = map[string]activityHandler{
	"Follow":   handleFollow,
	"Accept":   handleAccept,
	"Reject":   handleReject,
	"Undo":     handleUndo,
	"Create":   handleCreate,
	"Update":   handleUpdate,
	"Delete":   handleDelete,
	"Announce": handleAnnounce,
	"Like":     handleLike,
}

// ProcessInbound is the entry point for a POST to an actor inbox or the
// shared inbox. recipient is nil for the shared inbox. The caller maps the
// returned error onto an HTTP status.
//
// Order matters: the signature is verified before the payload is parsed, and
// a replayed activity id is dropped before any handler runs.
func (s *Service) ProcessInbound(ctx context.Context, req *http.Request, body []byte, recipient *domain.Actor) error {
	keyId, err := ExtractKeyId(req)
	if err != nil {
		return err
	}
	senderFid := ActorFromKeyId(keyId)

	if err := s.CheckURL(senderFid); err != nil {
		return err
	}

	sender, err := s.GetOrFetchActor(ctx, senderFid)
	if err != nil {
		return err
	}

	if _, err := VerifyRequest(req, body, sender.PublicKeyPem); err != nil {
		return err
	}

	activity, err := ParseActivity(body)
	if err != nil {
		return err
	}

	// The signer must be the activity actor; anything else is a relayed or
	// forged document we do not accept.
	if activity.Actor != sender.Fid {
		return fmt.Errorf("%w: activity actor %s does not match signer %s",
			ErrUnauthorized, activity.Actor, sender.Fid)
	}

	if recipient == nil {
		instance, err := s.InstanceActor()
		if err != nil {
			return err
		}
		recipient = instance
	}

	// Idempotency gate: a replayed id is acknowledged with no side effects.
	if existing, err := s.DB.ReadActivityByFid(activity.ID); err == nil && existing != nil {
		log.Debug("Dropping replayed activity", "fid", activity.ID)
		return nil
	}

	record := &domain.Activity{
		Id:        uuid.New(),
		Fid:       activity.ID,
		Type:      activity.Type,
		ActorFid:  activity.Actor,
		ObjectFid: activity.ObjectId(),
		Payload:   string(body),
		Local:     false,
		CreatedAt: time.Now(),
	}
	item := domain.InboxItem{
		Id:          uuid.New(),
		ActivityId:  record.Id,
		RecipientId: recipient.Id,
		InboxURI:    recipient.InboxURI,
		Shared:      recipient.Type == domain.ActorTypeApplication,
		State:       domain.DeliveryDelivered,
		NextRetryAt: time.Now(),
		CreatedAt:   time.Now(),
	}
	// The activity row is recorded only once the handler has applied its
	// side effects. A failed handler leaves the id unclaimed, so the remote
	// retry of the same activity runs the handler again instead of hitting
	// the replay gate.
	handler, ok := inboxRoutes[activity.Type]
	if ok {
		log.Info("Inbox activity", "type", activity.Type, "actor", sender.Fid, "fid", activity.ID)
		if err := handler(s, ctx, activity, sender, recipient); err != nil {
			return err
		}
	} else {
		log.Info("Storing activity of unhandled type", "type", activity.Type, "actor", sender.Fid)
	}

	if err := s.DB.CreateActivityWithInboxItems(record, []domain.InboxItem{item}); err != nil {
		if db.IsDuplicateActivity(err) {
			// Lost the race against a concurrent replay.
			return nil
		}
		return err
	}

	metrics.InboundActivities.WithLabelValues(activity.Type).Inc()
	return nil
}
