package activitypub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tonearm/tonearm/domain"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicAudience         = "https://www.w3.org/ns/activitystreams#Public"

	ContentType = "application/activity+json"
)

// DocumentContext returns the stable @context for outbound documents:
// activitystreams, the security vocabulary, and our music terms.
func DocumentContext() []interface{} {
	return []interface{}{
		ActivityStreamsContext,
		SecurityContext,
		map[string]interface{}{
			"Artist":  "tonearm:Artist",
			"Album":   "tonearm:Album",
			"Track":   "tonearm:Track",
			"Library": "tonearm:Library",
		},
	}
}

// Activity is the generic envelope every inbound document is first parsed
// into. Object stays raw; per-type payloads re-parse it.
type Activity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object,omitempty"`
	To        []string        `json:"to,omitempty"`
	Cc        []string        `json:"cc,omitempty"`
	Bto       []string        `json:"bto,omitempty"`
	Bcc       []string        `json:"bcc,omitempty"`
	Published string          `json:"published,omitempty"`
}

// ParseActivity validates the envelope of an inbound document. id, type and
// actor are mandatory.
func ParseActivity(body []byte) (*Activity, error) {
	var a Activity
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if a.ID == "" || a.Type == "" || a.Actor == "" {
		return nil, fmt.Errorf("%w: missing id, type or actor", ErrInvalidPayload)
	}
	return &a, nil
}

// ObjectId resolves the activity object to its id, whether the object is a
// bare URL string or an embedded document.
func (a *Activity) ObjectId() string {
	if len(a.Object) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(a.Object, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// ObjectType returns the embedded object's type, empty for URL references.
func (a *Activity) ObjectType() string {
	if len(a.Object) == 0 {
		return ""
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.Type
	}
	return ""
}

// Recipients collects the activity's addressing fields.
func (a *Activity) Recipients() []string {
	var out []string
	out = append(out, a.To...)
	out = append(out, a.Cc...)
	out = append(out, a.Bto...)
	out = append(out, a.Bcc...)
	return out
}

// ActorDocument is the JSON shape of an actor, inbound and outbound.
type ActorDocument struct {
	Context           interface{} `json:"@context,omitempty"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name,omitempty"`
	Summary           string      `json:"summary,omitempty"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox,omitempty"`
	Followers         string      `json:"followers,omitempty"`
	Following         string      `json:"following,omitempty"`
	Endpoints         *Endpoints  `json:"endpoints,omitempty"`
	PublicKey         PublicKey   `json:"publicKey"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

var validActorTypes = map[string]bool{
	domain.ActorTypePerson:       true,
	domain.ActorTypeApplication:  true,
	domain.ActorTypeService:      true,
	domain.ActorTypeGroup:        true,
	domain.ActorTypeOrganization: true,
}

// ParseActorDocument validates a fetched actor document.
func ParseActorDocument(body []byte) (*ActorDocument, error) {
	var doc ActorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: actor missing id, inbox or public key", ErrInvalidPayload)
	}
	if !validActorTypes[doc.Type] {
		return nil, fmt.Errorf("%w: unknown actor type %q", ErrInvalidPayload, doc.Type)
	}
	return &doc, nil
}

// SerializeActor renders a local actor as its published document.
func SerializeActor(a *domain.Actor, sharedInbox string) *ActorDocument {
	doc := &ActorDocument{
		Context:           DocumentContext(),
		ID:                a.Fid,
		Type:              a.Type,
		PreferredUsername: a.PreferredUsername,
		Name:              a.Name,
		Summary:           a.Summary,
		Inbox:             a.InboxURI,
		Outbox:            a.OutboxURI,
		Followers:         a.FollowersURI,
		Following:         a.FollowingURI,
		PublicKey: PublicKey{
			ID:           a.KeyId(),
			Owner:        a.Fid,
			PublicKeyPem: a.PublicKeyPem,
		},
	}
	if sharedInbox != "" {
		doc.Endpoints = &Endpoints{SharedInbox: sharedInbox}
	}
	return doc
}

// Music object shapes.

type ArtistObject struct {
	Type          string `json:"type"`
	ID            string `json:"id"`
	Name          string `json:"name"`
	MusicbrainzId string `json:"musicbrainzId,omitempty"`
}

type AlbumObject struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Artists  []ArtistObject `json:"artists,omitempty"`
	Released string         `json:"released,omitempty"`
	Cover    *LinkObject    `json:"cover,omitempty"`
}

type TrackObject struct {
	Type          string         `json:"type"`
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Artists       []ArtistObject `json:"artists,omitempty"`
	Album         *AlbumObject   `json:"album,omitempty"`
	MusicbrainzId string         `json:"musicbrainzId,omitempty"`
	Position      int            `json:"position,omitempty"`
	Disc          int            `json:"disc,omitempty"`
	License       string         `json:"license,omitempty"`
}

type LinkObject struct {
	Href      string `json:"href"`
	MediaType string `json:"mediaType,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Bitrate   int    `json:"bitrate,omitempty"`
}

// AudioObject is the wire shape of an upload.
type AudioObject struct {
	Type      string       `json:"type"`
	ID        string       `json:"id"`
	Library   string       `json:"library,omitempty"`
	Track     *TrackObject `json:"track,omitempty"`
	URL       []LinkObject `json:"url,omitempty"`
	Duration  int          `json:"duration,omitempty"`
	Checksum  string       `json:"checksum,omitempty"`
	Published string       `json:"published,omitempty"`
}

// ParseAudioObject validates an Audio document from a Create activity or a
// collection page.
func ParseAudioObject(raw json.RawMessage) (*AudioObject, error) {
	var audio AudioObject
	if err := json.Unmarshal(raw, &audio); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if audio.Type != "Audio" {
		return nil, fmt.Errorf("%w: expected Audio object, got %q", ErrInvalidPayload, audio.Type)
	}
	if audio.ID == "" || audio.Track == nil || audio.Track.ID == "" {
		return nil, fmt.Errorf("%w: audio missing id or track", ErrInvalidPayload)
	}
	if audio.Track.Name == "" || len(audio.Track.Artists) == 0 {
		return nil, fmt.Errorf("%w: track missing name or artists", ErrInvalidPayload)
	}
	for _, a := range audio.Track.Artists {
		if a.ID == "" || a.Name == "" {
			return nil, fmt.Errorf("%w: artist missing id or name", ErrInvalidPayload)
		}
	}
	return &audio, nil
}

// PublishedTime parses the object's published timestamp, zero when absent.
func (a *AudioObject) PublishedTime() time.Time {
	if a.Published == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, a.Published)
	if err != nil {
		return time.Time{}
	}
	return t
}

// LibraryObject is the wire shape of a library document.
type LibraryObject struct {
	Context    interface{} `json:"@context,omitempty"`
	Type       string      `json:"type"`
	ID         string      `json:"id"`
	Actor      string      `json:"actor"`
	Name       string      `json:"name"`
	Summary    string      `json:"summary,omitempty"`
	Privacy    string      `json:"privacy,omitempty"`
	Followers  string      `json:"followers,omitempty"`
	TotalItems int         `json:"totalItems"`
	First      string      `json:"first,omitempty"`
}

// ParseLibraryObject validates a fetched library document.
func ParseLibraryObject(body []byte) (*LibraryObject, error) {
	var lib LibraryObject
	if err := json.Unmarshal(body, &lib); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if lib.Type != "Library" {
		return nil, fmt.Errorf("%w: expected Library object, got %q", ErrInvalidPayload, lib.Type)
	}
	if lib.ID == "" || lib.Actor == "" || lib.Name == "" {
		return nil, fmt.Errorf("%w: library missing id, actor or name", ErrInvalidPayload)
	}
	return &lib, nil
}

// CollectionPage is an OrderedCollectionPage of upload objects.
type CollectionPage struct {
	Context      interface{}       `json:"@context,omitempty"`
	Type         string            `json:"type"`
	ID           string            `json:"id"`
	PartOf       string            `json:"partOf,omitempty"`
	Next         string            `json:"next,omitempty"`
	OrderedItems []json.RawMessage `json:"orderedItems"`
}

func ParseCollectionPage(body []byte) (*CollectionPage, error) {
	var page CollectionPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if page.Type != "OrderedCollectionPage" {
		return nil, fmt.Errorf("%w: expected OrderedCollectionPage, got %q", ErrInvalidPayload, page.Type)
	}
	return &page, nil
}

// OrderedCollection is the outbound shape of followers/following and library
// item collections.
type OrderedCollection struct {
	Context    interface{} `json:"@context,omitempty"`
	Type       string      `json:"type"`
	ID         string      `json:"id"`
	TotalItems int         `json:"totalItems"`
	First      string      `json:"first,omitempty"`
}

type OutboundPage struct {
	Context      interface{}   `json:"@context,omitempty"`
	Type         string        `json:"type"`
	ID           string        `json:"id"`
	PartOf       string        `json:"partOf"`
	Next         string        `json:"next,omitempty"`
	OrderedItems []interface{} `json:"orderedItems"`
}

// SerializeUpload renders an upload with its track, album and artist rows as
// an Audio document.
func SerializeUpload(u *domain.Upload, t *domain.Track, album *domain.Album, artist *domain.Artist, libraryFid string) *AudioObject {
	trackObj := &TrackObject{
		Type:          "Track",
		ID:            t.Fid,
		Name:          t.Title,
		MusicbrainzId: t.MusicbrainzId,
		Position:      t.Position,
		Disc:          t.Disc,
		License:       t.License,
	}
	if artist != nil {
		trackObj.Artists = []ArtistObject{{
			Type:          "Artist",
			ID:            artist.Fid,
			Name:          artist.Name,
			MusicbrainzId: artist.MusicbrainzId,
		}}
	}
	if album != nil {
		albumObj := &AlbumObject{
			Type:     "Album",
			ID:       album.Fid,
			Name:     album.Title,
			Released: album.ReleaseDate,
			Artists:  trackObj.Artists,
		}
		if album.CoverURL != "" {
			albumObj.Cover = &LinkObject{Href: album.CoverURL}
		}
		trackObj.Album = albumObj
	}

	audio := &AudioObject{
		Type:     "Audio",
		ID:       u.Fid,
		Library:  libraryFid,
		Track:    trackObj,
		Duration: u.Duration,
		Checksum: u.Checksum,
	}
	if u.AudioURL != "" {
		audio.URL = []LinkObject{{
			Href:      u.AudioURL,
			MediaType: u.MimeType,
			Size:      u.Size,
			Bitrate:   u.Bitrate,
		}}
	}
	if !u.Published.IsZero() {
		audio.Published = u.Published.UTC().Format(time.RFC3339)
	}
	return audio
}

// FollowObject is the Follow activity shape, also embedded inside
// Accept/Reject/Undo objects.
type FollowObject struct {
	Context interface{} `json:"@context,omitempty"`
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Actor   string      `json:"actor"`
	Object  string      `json:"object"`
}

func ParseFollowObject(raw json.RawMessage) (*FollowObject, error) {
	var f FollowObject
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if f.ID == "" {
		return nil, fmt.Errorf("%w: follow object missing id", ErrInvalidPayload)
	}
	return &f, nil
}

func mustMarshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return string(b)
}
