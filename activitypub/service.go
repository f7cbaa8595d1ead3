package activitypub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tonearm/tonearm/db"
	"github.com/tonearm/tonearm/domain"
	"github.com/tonearm/tonearm/util"
)

// RemoteTimeout bounds every single request to a remote instance.
const RemoteTimeout = 15 * time.Second

// ServiceActorName is the username of the instance-level Application actor
// used to sign fetches that no user actor initiated.
const ServiceActorName = "service"

// Service carries the federation core's collaborators. It is created once at
// startup and passed into handlers explicitly.
type Service struct {
	DB     *db.DB
	Conf   *util.AppConfig
	Client *http.Client

	mu       sync.Mutex
	instance *domain.Actor
	breakers map[string]*breakerEntry
}

func NewService(database *db.DB, conf *util.AppConfig) *Service {
	return &Service{
		DB:       database,
		Conf:     conf,
		Client:   &http.Client{Timeout: RemoteTimeout},
		breakers: make(map[string]*breakerEntry),
	}
}

// InstanceActor returns the local Application actor used for signed fetches,
// creating it on first use.
func (s *Service) InstanceActor() (*domain.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instance != nil {
		return s.instance, nil
	}
	actor, err := s.EnsureLocalActor(ServiceActorName, domain.ActorTypeApplication)
	if err != nil {
		return nil, err
	}
	s.instance = actor
	return actor, nil
}

// SeedDomains writes the configured allow/block lists into the domain table.
// Rows edited at runtime through the moderation console win on later boots
// only for domains absent from the config lists.
func (s *Service) SeedDomains() error {
	for _, name := range s.Conf.Conf.Federation.AllowedHosts {
		if err := s.DB.UpsertDomain(&domain.Domain{Name: name, Allowed: true}); err != nil {
			return err
		}
	}
	for _, name := range s.Conf.Conf.Federation.BlockedHosts {
		if err := s.DB.UpsertDomain(&domain.Domain{Name: name, Allowed: false, Blocked: true}); err != nil {
			return err
		}
	}
	return nil
}

// CheckDomain enforces the moderation policy for a remote host. Every inbound
// activity and outbound request goes through here first.
func (s *Service) CheckDomain(host string) error {
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrPolicyBlocked)
	}
	if host == s.Conf.Domain() {
		return nil
	}

	d, err := s.DB.ReadDomain(host)
	if err == nil && d != nil {
		if d.Blocked {
			return fmt.Errorf("%w: %s", ErrPolicyBlocked, host)
		}
		return nil
	}

	// No stored row: fall back to the configured allow list. An empty list
	// allows everyone.
	allowed := s.Conf.Conf.Federation.AllowedHosts
	if len(allowed) == 0 {
		return nil
	}
	for _, name := range allowed {
		if name == host {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not in allow list", ErrPolicyBlocked, host)
}

// CheckURL applies the domain policy to a URL.
func (s *Service) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid url %q", ErrInvalidPayload, raw)
	}
	return s.CheckDomain(u.Host)
}

// SignedGet performs a policy-checked GET of an ActivityPub resource, signed
// by the instance actor.
func (s *Service) SignedGet(ctx context.Context, rawURL string) ([]byte, error) {
	if err := s.CheckURL(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFetch, err)
	}
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", util.GetNameAndVersion())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if instance, err := s.InstanceActor(); err == nil {
		if key, err := ParsePrivateKey(instance.PrivateKeyPem); err == nil {
			if err := SignRequest(req, nil, key, instance.KeyId()); err != nil {
				log.Warn("Failed to sign fetch", "url", rawURL, "err", err)
			}
		}
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrRemoteFetch, rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFetch, err)
	}
	return body, nil
}
