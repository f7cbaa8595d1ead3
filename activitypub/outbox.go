package activitypub

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/tonearm/tonearm/domain"
)

// newActivityFid mints the id of a locally emitted activity.
func (s *Service) newActivityFid() string {
	return fmt.Sprintf("%s/federation/activities/%s", s.Conf.BaseURL(), uuid.New().String())
}

// buildActivity assembles the record of an outbound activity. The record
// carries the full JSON document as payload; delivery signs and posts it.
func (s *Service) buildActivity(typ, actorFid, objectFid string, object interface{}, to []string) *domain.Activity {
	return s.buildActivityWithFid(s.newActivityFid(), typ, actorFid, objectFid, object, to)
}

// enqueue records the activity and one inbox item per recipient in a single
// transaction. Recipients sharing an inbox endpoint each keep their own row;
// the delivery worker collapses them into one POST.
func (s *Service) enqueue(activity *domain.Activity, recipients []*domain.Actor) error {
	items := make([]domain.InboxItem, 0, len(recipients))
	now := time.Now()
	for _, r := range recipients {
		if r.Local {
			continue
		}
		inbox := r.DeliveryInbox()
		if inbox == "" {
			log.Warn("Recipient has no inbox, skipping", "fid", r.Fid)
			continue
		}
		items = append(items, domain.InboxItem{
			Id:          uuid.New(),
			ActivityId:  activity.Id,
			RecipientId: r.Id,
			InboxURI:    inbox,
			Shared:      r.SharedInboxURI != "" && inbox == r.SharedInboxURI,
			State:       domain.DeliveryPending,
			NextRetryAt: now,
			CreatedAt:   now,
		})
	}
	if err := s.DB.CreateActivityWithInboxItems(activity, items); err != nil {
		return fmt.Errorf("failed to enqueue %s activity: %w", activity.Type, err)
	}
	log.Info("Enqueued activity", "type", activity.Type, "fid", activity.Fid, "recipients", len(items))
	return nil
}

// followerActors resolves the accepted followers of targetId (scoped to a
// library when libraryId is non-nil) to their actor rows.
func (s *Service) followerActors(targetId, libraryId uuid.UUID) ([]*domain.Actor, error) {
	follows, err := s.DB.ReadAcceptedFollowers(targetId, libraryId)
	if err != nil {
		return nil, err
	}
	actors := make([]*domain.Actor, 0, len(follows))
	for _, f := range follows {
		a, err := s.DB.ReadActorById(f.ActorId)
		if err != nil || a == nil {
			log.Warn("Follower actor missing", "id", f.ActorId, "err", err)
			continue
		}
		actors = append(actors, a)
	}
	return actors, nil
}

// SendAccept echoes a received Follow back inside an Accept addressed to its
// author.
func (s *Service) SendAccept(local, remote *domain.Actor, follow *FollowObject) error {
	activity := s.buildActivity("Accept", local.Fid, follow.ID, follow, []string{remote.Fid})
	return s.enqueue(activity, []*domain.Actor{remote})
}

// SendReject refuses a received Follow.
func (s *Service) SendReject(local, remote *domain.Actor, follow *FollowObject) error {
	activity := s.buildActivity("Reject", local.Fid, follow.ID, follow, []string{remote.Fid})
	return s.enqueue(activity, []*domain.Actor{remote})
}

// SendFollow emits a Follow from a local actor to a remote actor, or to one
// of the remote actor's libraries when library is non-nil. The follow row is
// recorded pending; the remote side's Accept or Reject settles it.
func (s *Service) SendFollow(local, target *domain.Actor, library *domain.Library) (*domain.Follow, error) {
	objectFid := target.Fid
	libraryId := uuid.Nil
	if library != nil {
		objectFid = library.Fid
		libraryId = library.Id
	}

	if existing, err := s.DB.ReadFollowByPair(local.Id, target.Id, libraryId); err == nil && existing != nil {
		return existing, nil
	}

	// A Follow's object is the followed id; the envelope id names the follow
	// itself and is what the remote Accept will reference.
	activity := s.buildActivityWithFid(s.newActivityFid(), "Follow", local.Fid, objectFid, objectFid, []string{target.Fid})

	record := &domain.Follow{
		Id:        uuid.New(),
		ActorId:   local.Id,
		TargetId:  target.Id,
		LibraryId: libraryId,
		Fid:       activity.Fid,
		State:     domain.FollowPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.DB.CreateFollow(record); err != nil {
		return nil, fmt.Errorf("failed to record follow: %w", err)
	}
	if err := s.enqueue(activity, []*domain.Actor{target}); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) buildActivityWithFid(fid, typ, actorFid, objectFid string, object interface{}, to []string) *domain.Activity {
	now := time.Now()
	envelope := map[string]interface{}{
		"@context":  DocumentContext(),
		"id":        fid,
		"type":      typ,
		"actor":     actorFid,
		"object":    object,
		"to":        to,
		"published": now.UTC().Format(time.RFC3339),
	}
	return &domain.Activity{
		Id:        uuid.New(),
		Fid:       fid,
		Type:      typ,
		ActorFid:  actorFid,
		ObjectFid: objectFid,
		Payload:   mustMarshal(envelope),
		Local:     true,
		CreatedAt: now,
	}
}

// SendUndoFollow retracts a local follow. The follow row is removed
// immediately; the remote side learns through the Undo.
func (s *Service) SendUndoFollow(local, target *domain.Actor, follow *domain.Follow) error {
	objectFid := target.Fid
	if follow.LibraryId != uuid.Nil {
		if lib, err := s.DB.ReadLibraryById(follow.LibraryId); err == nil && lib != nil {
			objectFid = lib.Fid
		}
	}
	inner := FollowObject{ID: follow.Fid, Type: "Follow", Actor: local.Fid, Object: objectFid}
	activity := s.buildActivity("Undo", local.Fid, follow.Fid, inner, []string{target.Fid})

	if err := s.DB.DeleteFollowByFid(follow.Fid); err != nil {
		return fmt.Errorf("failed to remove follow: %w", err)
	}
	return s.enqueue(activity, []*domain.Actor{target})
}

// SendCreateAudio announces a new upload in a local library to the library's
// accepted followers.
func (s *Service) SendCreateAudio(owner *domain.Actor, library *domain.Library, audio *AudioObject) error {
	recipients, err := s.followerActors(owner.Id, library.Id)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		log.Debug("No followers to announce upload to", "library", library.Fid)
		return nil
	}
	to := []string{library.FollowersURI}
	if library.Privacy == domain.LibraryPublic {
		to = append(to, PublicAudience)
	}
	activity := s.buildActivity("Create", owner.Fid, audio.ID, audio, to)
	return s.enqueue(activity, recipients)
}

// SendDeleteAudio retracts an upload from the library's followers.
func (s *Service) SendDeleteAudio(owner *domain.Actor, library *domain.Library, uploadFid string) error {
	recipients, err := s.followerActors(owner.Id, library.Id)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}
	activity := s.buildActivity("Delete", owner.Fid, uploadFid, uploadFid, []string{library.FollowersURI})
	return s.enqueue(activity, recipients)
}

// SendActorUpdate announces a changed actor document, public keys included,
// to the actor's followers and the followers of every library it owns.
func (s *Service) SendActorUpdate(actor *domain.Actor) error {
	seen := map[uuid.UUID]bool{}
	var recipients []*domain.Actor

	direct, err := s.followerActors(actor.Id, uuid.Nil)
	if err != nil {
		return err
	}
	for _, r := range direct {
		if !seen[r.Id] {
			seen[r.Id] = true
			recipients = append(recipients, r)
		}
	}

	libraries, err := s.DB.ReadLibrariesByActorId(actor.Id)
	if err != nil {
		return err
	}
	for _, lib := range libraries {
		libFollowers, err := s.followerActors(actor.Id, lib.Id)
		if err != nil {
			return err
		}
		for _, r := range libFollowers {
			if !seen[r.Id] {
				seen[r.Id] = true
				recipients = append(recipients, r)
			}
		}
	}

	if len(recipients) == 0 {
		return nil
	}

	doc := SerializeActor(actor, actor.SharedInboxURI)
	activity := s.buildActivity("Update", actor.Fid, actor.Fid, doc, []string{actor.FollowersURI})
	return s.enqueue(activity, recipients)
}
