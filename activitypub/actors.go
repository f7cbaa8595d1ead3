package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/tonearm/tonearm/domain"
	"github.com/tonearm/tonearm/util"
)

// GetOrFetchActor returns the cached actor for a fid or fetches and upserts
// it. A stale cache entry is returned as-is while a refresh runs in the
// background, so inbound verification never blocks on remote I/O longer than
// a first fetch.
func (s *Service) GetOrFetchActor(ctx context.Context, fid string) (*domain.Actor, error) {
	cached, err := s.DB.ReadActorByFid(fid)
	if err == nil && cached != nil {
		ttl := time.Duration(s.Conf.Conf.Federation.ActorFetchDelay) * time.Minute
		if cached.Local || time.Since(cached.LastFetchedAt) < ttl {
			return cached, nil
		}
		go func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), RemoteTimeout)
			defer cancel()
			if _, err := s.FetchActor(refreshCtx, fid); err != nil {
				log.Warn("Background actor refresh failed", "fid", fid, "err", err)
			}
		}()
		return cached, nil
	}

	return s.FetchActor(ctx, fid)
}

// FetchActor dereferences an actor document and upserts the result.
func (s *Service) FetchActor(ctx context.Context, fid string) (*domain.Actor, error) {
	body, err := s.SignedGet(ctx, fid)
	if err != nil {
		return nil, err
	}

	doc, err := ParseActorDocument(body)
	if err != nil {
		return nil, err
	}
	if doc.ID != fid {
		// Accept redirected ids only on the same host.
		if hostOf(doc.ID) != hostOf(fid) {
			return nil, fmt.Errorf("%w: actor document id %q does not match %q", ErrInvalidPayload, doc.ID, fid)
		}
	}

	actor := &domain.Actor{
		Id:                uuid.New(),
		Fid:               doc.ID,
		Local:             false,
		Type:              doc.Type,
		PreferredUsername: doc.PreferredUsername,
		Domain:            hostOf(doc.ID),
		Name:              doc.Name,
		Summary:           doc.Summary,
		InboxURI:          doc.Inbox,
		OutboxURI:         doc.Outbox,
		FollowersURI:      doc.Followers,
		FollowingURI:      doc.Following,
		PublicKeyPem:      doc.PublicKey.PublicKeyPem,
		LastFetchedAt:     time.Now(),
		CreatedAt:         time.Now(),
	}
	if doc.Endpoints != nil {
		actor.SharedInboxURI = doc.Endpoints.SharedInbox
	}

	stored, err := s.DB.UpsertActor(actor)
	if err != nil {
		return nil, fmt.Errorf("failed to store actor %s: %w", doc.ID, err)
	}

	// Remember the domain so the moderation console lists it.
	if err := s.ensureDomain(actor.Domain); err != nil {
		log.Warn("Failed to record domain", "domain", actor.Domain, "err", err)
	}

	return stored, nil
}

func (s *Service) ensureDomain(name string) error {
	if d, err := s.DB.ReadDomain(name); err == nil && d != nil {
		return nil
	}
	return s.DB.UpsertDomain(&domain.Domain{Name: name, Allowed: true})
}

// webfingerDocument is the JRD shape returned by .well-known/webfinger.
type webfingerDocument struct {
	Subject string   `json:"subject"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// LookupWebfinger resolves an acct handle ("user@host" or "acct:user@host")
// to its actor via WebFinger discovery.
func (s *Service) LookupWebfinger(ctx context.Context, acct string) (*domain.Actor, error) {
	acct = strings.TrimPrefix(acct, "acct:")
	parts := strings.Split(acct, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: malformed acct %q", ErrInvalidPayload, acct)
	}
	host := parts[1]

	if err := s.CheckDomain(host); err != nil {
		return nil, err
	}

	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=acct:%s", host, url.QueryEscape(acct))
	body, err := s.SignedGet(ctx, wfURL)
	if err != nil {
		return nil, err
	}

	var doc webfingerDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	for _, link := range doc.Links {
		if link.Rel == "self" && link.Type == ContentType && link.Href != "" {
			return s.GetOrFetchActor(ctx, link.Href)
		}
	}
	return nil, fmt.Errorf("%w: no self link in webfinger response for %s", ErrInvalidPayload, acct)
}

// EnsureLocalActor returns the local actor with the given username, creating
// it with a fresh keypair when absent.
func (s *Service) EnsureLocalActor(username, actorType string) (*domain.Actor, error) {
	existing, err := s.DB.ReadLocalActorByUsername(username)
	if err == nil && existing != nil {
		return existing, nil
	}

	keys, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, err
	}

	base := s.Conf.BaseURL()
	fid := fmt.Sprintf("%s/federation/actors/%s", base, username)
	actor := &domain.Actor{
		Id:                uuid.New(),
		Fid:               fid,
		Local:             true,
		Type:              actorType,
		PreferredUsername: username,
		Domain:            s.Conf.Domain(),
		InboxURI:          fid + "/inbox",
		OutboxURI:         fid + "/outbox",
		SharedInboxURI:    base + "/federation/inbox",
		FollowersURI:      fid + "/followers",
		FollowingURI:      fid + "/following",
		PublicKeyPem:      keys.Public,
		PrivateKeyPem:     keys.Private,
		LastFetchedAt:     time.Now(),
		CreatedAt:         time.Now(),
	}

	if err := s.DB.CreateActor(actor); err != nil {
		return nil, fmt.Errorf("failed to create local actor %s: %w", username, err)
	}
	log.Info("Created local actor", "username", username, "type", actorType)
	return actor, nil
}

// RotateActorKeys generates a fresh keypair for a local actor and announces
// the new public key to followers with an Update activity.
func (s *Service) RotateActorKeys(actor *domain.Actor) error {
	if !actor.Local {
		return fmt.Errorf("%w: cannot rotate keys of remote actor %s", ErrUnauthorized, actor.Fid)
	}
	keys, err := util.GeneratePemKeypair()
	if err != nil {
		return err
	}
	if err := s.DB.UpdateActorKeys(actor.Id, keys.Public, keys.Private); err != nil {
		return err
	}
	actor.PublicKeyPem = keys.Public
	actor.PrivateKeyPem = keys.Private
	return s.SendActorUpdate(actor)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
