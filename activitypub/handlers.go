package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/tonearm/tonearm/db"
	"github.com/tonearm/tonearm/domain"
)

// handleFollow records an inbound follow of a local actor or library and
// answers it. Follows of public libraries and of actors are accepted
// immediately; follows of instance-only or private libraries stay pending
// until the owner decides through the console.
func handleFollow(s *Service, ctx context.Context, a *Activity, sender, recipient *domain.Actor) error {
	objectFid := a.ObjectId()
	if objectFid == "" {
		return fmt.Errorf("%w: follow without object", ErrInvalidPayload)
	}

	var target *domain.Actor
	var library *domain.Library

	if lib, err := s.DB.ReadLibraryByFid(objectFid); err == nil && lib != nil {
		if !lib.Local {
			return fmt.Errorf("%w: library %s is not local", ErrInvalidPayload, objectFid)
		}
		library = lib
		owner, err := s.DB.ReadActorById(lib.ActorId)
		if err != nil || owner == nil {
			return fmt.Errorf("library %s has no owner: %w", objectFid, err)
		}
		target = owner
	} else if actor, err := s.DB.ReadActorByFid(objectFid); err == nil && actor != nil && actor.Local {
		target = actor
	} else {
		return fmt.Errorf("%w: follow target %s not found", ErrInvalidPayload, objectFid)
	}

	libraryId := uuid.Nil
	if library != nil {
		libraryId = library.Id
	}

	accept := library == nil || library.Privacy == domain.LibraryPublic

	follow := &domain.Follow{
		Id:        uuid.New(),
		ActorId:   sender.Id,
		TargetId:  target.Id,
		LibraryId: libraryId,
		Fid:       a.ID,
		State:     domain.FollowPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.DB.CreateFollow(follow); err != nil {
		if !db.IsDuplicateFollow(err) {
			return err
		}
		// Re-follow: answer according to the existing row's state so the
		// remote side converges without a second decision.
		existing, err := s.DB.ReadFollowByPair(sender.Id, target.Id, libraryId)
		if err != nil || existing == nil {
			return fmt.Errorf("failed to read existing follow: %w", err)
		}
		follow = existing
		accept = existing.State == domain.FollowAccepted ||
			(existing.State == domain.FollowPending && accept)
		if existing.State == domain.FollowRejected {
			return s.SendReject(target, sender, &FollowObject{
				ID: a.ID, Type: "Follow", Actor: sender.Fid, Object: objectFid,
			})
		}
	}

	echo := &FollowObject{ID: a.ID, Type: "Follow", Actor: sender.Fid, Object: objectFid}
	if !accept {
		log.Info("Follow held for approval", "follower", sender.Fid, "target", objectFid)
		return nil
	}

	if follow.State != domain.FollowAccepted {
		if err := s.DB.UpdateFollowState(follow.Id, domain.FollowAccepted); err != nil {
			return err
		}
	}
	return s.SendAccept(target, sender, echo)
}

// handleAccept settles a pending outbound follow. Only the followed side may
// accept, and a rejected follow never becomes accepted.
func handleAccept(s *Service, ctx context.Context, a *Activity, sender, recipient *domain.Actor) error {
	follow, err := s.resolveFollowObject(a)
	if err != nil {
		return err
	}
	if follow == nil {
		return nil
	}
	if follow.TargetId != sender.Id {
		return fmt.Errorf("%w: %s cannot accept a follow aimed at someone else", ErrUnauthorized, sender.Fid)
	}
	switch follow.State {
	case domain.FollowPending:
		return s.DB.UpdateFollowState(follow.Id, domain.FollowAccepted)
	case domain.FollowAccepted:
		return nil
	default:
		log.Warn("Ignoring Accept of settled follow", "fid", follow.Fid, "state", follow.State)
		return nil
	}
}

// handleReject settles or revokes an outbound follow.
func handleReject(s *Service, ctx context.Context, a *Activity, sender, recipient *domain.Actor) error {
	follow, err := s.resolveFollowObject(a)
	if err != nil {
		return err
	}
	if follow == nil {
		return nil
	}
	if follow.TargetId != sender.Id {
		return fmt.Errorf("%w: %s cannot reject a follow aimed at someone else", ErrUnauthorized, sender.Fid)
	}
	if follow.State == domain.FollowRejected {
		return nil
	}
	return s.DB.UpdateFollowState(follow.Id, domain.FollowRejected)
}

// resolveFollowObject locates the local follow row an Accept/Reject refers
// to, whether the object is embedded or a bare id. A settlement of a follow
// we never sent resolves to nil and is dropped.
func (s *Service) resolveFollowObject(a *Activity) (*domain.Follow, error) {
	fid := a.ObjectId()
	if fid == "" {
		return nil, fmt.Errorf("%w: %s without object", ErrInvalidPayload, a.Type)
	}
	follow, err := s.DB.ReadFollowByFid(fid)
	if err != nil || follow == nil {
		log.Debug("Ignoring settlement of unknown follow", "type", a.Type, "fid", fid)
		return nil, nil
	}
	return follow, nil
}

// handleUndo retracts an earlier activity. Only Undo of a Follow has an
// effect; anything else is remembered and ignored.
func handleUndo(s *Service, ctx context.Context, a *Activity, sender, recipient *domain.Actor) error {
	if a.ObjectType() != "Follow" {
		log.Debug("Ignoring Undo of unsupported object", "type", a.ObjectType())
		return nil
	}
	inner, err := ParseFollowObject(a.Object)
	if err != nil {
		return err
	}
	follow, err := s.DB.ReadFollowByFid(inner.ID)
	if err != nil || follow == nil {
		// Already gone; Undo is idempotent.
		return nil
	}
	if follow.ActorId != sender.Id {
		return fmt.Errorf("%w: %s cannot undo someone else's follow", ErrUnauthorized, sender.Fid)
	}
	return s.DB.DeleteFollowByFid(inner.ID)
}

// handleCreate imports an announced upload into the sender's library mirror.
func handleCreate(s *Service, ctx context.Context, a *Activity, sender, recipient *domain.Actor) error {
	if a.ObjectType() != "Audio" {
		log.Debug("Ignoring Create of unsupported object", "type", a.ObjectType())
		return nil
	}
	audio, err := ParseAudioObject(a.Object)
	if err != nil {
		return err
	}
	library, err := s.senderLibrary(sender, audio.Library)
	if err != nil {
		return err
	}
	_, err = s.importAudio(library, audio)
	return err
}

// senderLibrary resolves an Audio object's library reference and checks that
// the sender owns it. Uploads may only land in libraries of their announcer.
func (s *Service) senderLibrary(sender *domain.Actor, libraryFid string) (*domain.Library, error) {
	if libraryFid == "" {
		return nil, fmt.Errorf("%w: audio without library", ErrInvalidPayload)
	}
	library, err := s.DB.ReadLibraryByFid(libraryFid)
	if err != nil || library == nil {
		return nil, fmt.Errorf("%w: unknown library %s", ErrInvalidPayload, libraryFid)
	}
	if library.ActorId != sender.Id {
		return nil, fmt.Errorf("%w: library %s does not belong to %s", ErrUnauthorized, libraryFid, sender.Fid)
	}
	return library, nil
}

// handleUpdate applies changes to objects we mirror. Actor updates trigger a
// refetch so key rotations take effect; library updates touch only the
// mutable fields.
func handleUpdate(s *Service, ctx context.Context, a *Activity, sender, recipient *domain.Actor) error {
	switch a.ObjectType() {
	case domain.ActorTypePerson, domain.ActorTypeApplication, domain.ActorTypeService,
		domain.ActorTypeGroup, domain.ActorTypeOrganization:
		if a.ObjectId() != sender.Fid {
			return fmt.Errorf("%w: %s cannot update another actor", ErrUnauthorized, sender.Fid)
		}
		_, err := s.FetchActor(ctx, sender.Fid)
		return err

	case "Library":
		doc, err := ParseLibraryObject(a.Object)
		if err != nil {
			return err
		}
		library, err := s.DB.ReadLibraryByFid(doc.ID)
		if err != nil || library == nil {
			return fmt.Errorf("%w: unknown library %s", ErrInvalidPayload, doc.ID)
		}
		if library.ActorId != sender.Id {
			return fmt.Errorf("%w: library %s does not belong to %s", ErrUnauthorized, doc.ID, sender.Fid)
		}
		library.Name = doc.Name
		library.Summary = doc.Summary
		if doc.Privacy != "" {
			library.Privacy = doc.Privacy
		}
		_, err = s.DB.UpsertLibrary(library)
		return err

	case "Audio":
		audio, err := ParseAudioObject(a.Object)
		if err != nil {
			return err
		}
		library, err := s.senderLibrary(sender, audio.Library)
		if err != nil {
			return err
		}
		_, err = s.importAudio(library, audio)
		return err

	default:
		log.Debug("Ignoring Update of unsupported object", "type", a.ObjectType())
		return nil
	}
}

// handleDelete removes mirrored state. An actor deleting itself takes its
// follows, libraries and uploads with it.
func handleDelete(s *Service, ctx context.Context, a *Activity, sender, recipient *domain.Actor) error {
	objectFid := a.ObjectId()
	if objectFid == "" {
		return fmt.Errorf("%w: delete without object", ErrInvalidPayload)
	}

	if objectFid == sender.Fid {
		return s.deleteRemoteActor(sender)
	}

	if library, err := s.DB.ReadLibraryByFid(objectFid); err == nil && library != nil {
		if library.ActorId != sender.Id {
			return fmt.Errorf("%w: library %s does not belong to %s", ErrUnauthorized, objectFid, sender.Fid)
		}
		return s.DB.DeleteLibrary(library.Id)
	}

	// Fall through to uploads. The deletion is scoped to libraries the sender
	// owns; a Delete naming an unknown or foreign upload is a no-op.
	return s.DB.DeleteUploadByFidForActor(objectFid, sender.Id)
}

func (s *Service) deleteRemoteActor(actor *domain.Actor) error {
	if actor.Local {
		return fmt.Errorf("%w: refusing inbound delete of local actor %s", ErrUnauthorized, actor.Fid)
	}
	if err := s.DB.DeleteFollowsByActorId(actor.Id); err != nil {
		return err
	}
	libraries, err := s.DB.ReadLibrariesByActorId(actor.Id)
	if err != nil {
		return err
	}
	for _, lib := range libraries {
		if err := s.DB.DeleteLibrary(lib.Id); err != nil {
			return err
		}
	}
	log.Info("Removed remote actor", "fid", actor.Fid, "libraries", len(libraries))
	return s.DB.DeleteActor(actor.Id)
}

// SettleFollow is the owner's decision on a follow held for approval. It
// transitions the row and notifies the follower.
func (s *Service) SettleFollow(follow *domain.Follow, accept bool) error {
	target, err := s.DB.ReadActorById(follow.TargetId)
	if err != nil || target == nil {
		return fmt.Errorf("follow target missing: %w", err)
	}
	follower, err := s.DB.ReadActorById(follow.ActorId)
	if err != nil || follower == nil {
		return fmt.Errorf("follower missing: %w", err)
	}

	objectFid := target.Fid
	if follow.LibraryId != uuid.Nil {
		if lib, err := s.DB.ReadLibraryById(follow.LibraryId); err == nil && lib != nil {
			objectFid = lib.Fid
		}
	}
	echo := &FollowObject{ID: follow.Fid, Type: "Follow", Actor: follower.Fid, Object: objectFid}

	if accept {
		if follow.State == domain.FollowRejected {
			return fmt.Errorf("%w: follow %s was already rejected", ErrUnauthorized, follow.Fid)
		}
		if err := s.DB.UpdateFollowState(follow.Id, domain.FollowAccepted); err != nil {
			return err
		}
		return s.SendAccept(target, follower, echo)
	}
	if err := s.DB.UpdateFollowState(follow.Id, domain.FollowRejected); err != nil {
		return err
	}
	return s.SendReject(target, follower, echo)
}

// handleAnnounce and handleLike only remember the activity; there is no
// timeline to surface them on yet.
func handleAnnounce(s *Service, ctx context.Context, a *Activity, sender, recipient *domain.Actor) error {
	return nil
}

func handleLike(s *Service, ctx context.Context, a *Activity, sender, recipient *domain.Actor) error {
	return nil
}
