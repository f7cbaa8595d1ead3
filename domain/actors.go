package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Actor types from the ActivityStreams vocabulary.
const (
	ActorTypePerson       = "Person"
	ActorTypeApplication  = "Application"
	ActorTypeService      = "Service"
	ActorTypeGroup        = "Group"
	ActorTypeOrganization = "Organization"
)

// Actor represents a federated identity, local or remote. For remote actors
// PrivateKeyPem is always empty; for local actors it is generated at creation
// and never leaves process memory except through the store.
type Actor struct {
	Id                uuid.UUID
	Fid               string // external id URL
	Local             bool
	Type              string
	PreferredUsername string
	Domain            string
	Name              string
	Summary           string
	InboxURI          string
	OutboxURI         string
	SharedInboxURI    string
	FollowersURI      string
	FollowingURI      string
	PublicKeyPem      string
	PrivateKeyPem     string
	LastFetchedAt     time.Time
	CreatedAt         time.Time
}

// KeyId returns the URL naming this actor's public key in signatures.
func (a *Actor) KeyId() string {
	return a.Fid + "#main-key"
}

// Handle returns the webfinger-style acct handle.
func (a *Actor) Handle() string {
	return fmt.Sprintf("%s@%s", a.PreferredUsername, a.Domain)
}

// DeliveryInbox returns the shared inbox when the actor advertises one,
// otherwise the personal inbox.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}
