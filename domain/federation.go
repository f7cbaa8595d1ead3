package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follow states. Transitions are pending -> accepted | rejected; an accepted
// follow is removed entirely by a matching Undo.
const (
	FollowPending  = "pending"
	FollowAccepted = "accepted"
	FollowRejected = "rejected"
)

// Follow represents a follow relation between two actors or between an actor
// and a library owner. (ActorId, TargetId) is unique.
type Follow struct {
	Id        uuid.UUID
	ActorId   uuid.UUID // the follower
	TargetId  uuid.UUID // the followed actor
	LibraryId uuid.UUID // zero unless the follow targets a library
	Fid       string    // Follow activity id
	State     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Activity is the remembered copy of a processed or emitted activity. The Fid
// is the idempotency key: an inbound activity whose Fid is already present
// produces no further side effects.
type Activity struct {
	Id        uuid.UUID
	Fid       string
	Type      string
	ActorFid  string
	ObjectFid string
	Payload   string // raw JSON document
	Local     bool
	CreatedAt time.Time
}

// InboxItem delivery states.
const (
	DeliveryPending       = "pending"
	DeliveryDelivered     = "delivered"
	DeliveryUndeliverable = "undeliverable"
)

// InboxItem tracks the delivery of one activity to one recipient. Recipients
// sharing an inbox each get their own row; the POST target is InboxURI.
type InboxItem struct {
	Id            uuid.UUID
	ActivityId    uuid.UUID
	RecipientId   uuid.UUID
	InboxURI      string
	Shared        bool
	State         string
	Attempts      int
	LastAttemptAt time.Time
	NextRetryAt   time.Time
	CreatedAt     time.Time
}

// Domain is the moderation policy record for a remote host, plus its cached
// nodeinfo document.
type Domain struct {
	Name              string
	Allowed           bool
	Blocked           bool
	NodeinfoJSON      string
	NodeinfoFetchedAt time.Time
	CreatedAt         time.Time
}
