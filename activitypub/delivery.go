package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"github.com/tonearm/tonearm/domain"
	"github.com/tonearm/tonearm/metrics"
	"github.com/tonearm/tonearm/util"
)

const (
	// DeliveryTick is the worker's polling interval.
	DeliveryTick = 15 * time.Second

	deliveryBatchSize   = 50
	maxDeliveryAttempts = 6
)

// retrySchedule spaces out redelivery attempts. Attempt n waits
// retrySchedule[n-1] plus jitter; past the last entry the item is given up.
var retrySchedule = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// retryDelay returns the wait before the next attempt, with up to 10%
// jitter so a burst of failures does not come due as a burst of retries.
func retryDelay(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retrySchedule) {
		idx = len(retrySchedule) - 1
	}
	base := retrySchedule[idx]
	jitter := time.Duration(rand.Int63n(int64(base) / 10))
	return base + jitter
}

// breakerEntry wraps the circuit breaker for one remote host.
type breakerEntry struct {
	cb *gobreaker.CircuitBreaker[int]
}

// hostBreaker returns the breaker for a host, creating it on first use. A
// host that fails five deliveries in a row is skipped for two minutes
// instead of being hammered on every tick.
func (s *Service) hostBreaker(host string) *gobreaker.CircuitBreaker[int] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.breakers[host]; ok {
		return entry.cb
	}
	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	s.breakers[host] = &breakerEntry{cb: cb}
	return cb
}

// RunDeliveryWorker polls the queue until the context is cancelled. Intended
// to run as a single goroutine; the per-library crawl lease pattern is not
// needed here because there is one worker per process and the queue reads
// are idempotent.
func (s *Service) RunDeliveryWorker(ctx context.Context) {
	ticker := time.NewTicker(DeliveryTick)
	defer ticker.Stop()
	log.Info("Delivery worker started", "tick", DeliveryTick)
	for {
		select {
		case <-ctx.Done():
			log.Info("Delivery worker stopped")
			return
		case <-ticker.C:
			if err := s.DeliverDue(ctx); err != nil {
				log.Error("Delivery pass failed", "err", err)
			}
		}
	}
}

// deliveryGroup is the unit of one POST: every due item of one activity that
// shares a target inbox URI.
type deliveryGroup struct {
	activity *domain.Activity
	inboxURI string
	items    []domain.InboxItem
}

// DeliverDue processes one batch of due inbox items. Items of the same
// activity aimed at the same inbox collapse into a single POST, so a remote
// instance with a shared inbox receives each activity once regardless of how
// many of its users follow us.
func (s *Service) DeliverDue(ctx context.Context) error {
	due, err := s.DB.ReadDueInboxItems(deliveryBatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	type groupKey struct {
		activityId uuid.UUID
		inboxURI   string
	}
	groups := make(map[groupKey]*deliveryGroup)
	order := make([]groupKey, 0, len(due))
	for _, item := range due {
		key := groupKey{item.ActivityId, item.InboxURI}
		g, ok := groups[key]
		if !ok {
			activity, err := s.DB.ReadActivityById(item.ActivityId)
			if err != nil || activity == nil {
				log.Warn("Inbox item references missing activity", "activity", item.ActivityId)
				_ = s.DB.MarkInboxItemState(item.Id, domain.DeliveryUndeliverable)
				continue
			}
			g = &deliveryGroup{activity: activity, inboxURI: item.InboxURI}
			groups[key] = g
			order = append(order, key)
		}
		g.items = append(g.items, item)
	}

	for _, key := range order {
		s.deliverGroup(ctx, groups[key])
	}

	if counts, err := s.DB.CountInboxItemsByState(); err == nil {
		metrics.DeliveryQueueDepth.Set(float64(counts[domain.DeliveryPending]))
	}
	return nil
}

func (s *Service) deliverGroup(ctx context.Context, g *deliveryGroup) {
	target, err := url.Parse(g.inboxURI)
	if err != nil {
		s.finishGroup(g, domain.DeliveryUndeliverable, "bad inbox URI")
		return
	}

	// Policy can change while items sit in the queue; a domain blocked after
	// enqueue kills its pending deliveries here.
	if err := s.CheckDomain(target.Host); err != nil {
		metrics.Deliveries.WithLabelValues("blocked").Inc()
		s.finishGroup(g, domain.DeliveryUndeliverable, "domain blocked")
		return
	}

	sender, err := s.DB.ReadActorByFid(g.activity.ActorFid)
	if err != nil || sender == nil || !sender.Local {
		s.finishGroup(g, domain.DeliveryUndeliverable, "no local signing actor")
		return
	}
	key, err := ParsePrivateKey(sender.PrivateKeyPem)
	if err != nil {
		s.finishGroup(g, domain.DeliveryUndeliverable, "unusable signing key")
		return
	}

	cb := s.hostBreaker(target.Host)
	status, err := cb.Execute(func() (int, error) {
		return s.postActivity(ctx, g.inboxURI, []byte(g.activity.Payload), key, sender.KeyId())
	})

	// Shutdown mid-flight is not a delivery failure. The items stay due with
	// their attempt count intact and the next pass picks them up.
	if err != nil && errors.Is(err, context.Canceled) {
		log.Debug("Delivery interrupted", "inbox", g.inboxURI)
		return
	}

	switch classifyDelivery(status, err) {
	case domain.DeliveryDelivered:
		metrics.Deliveries.WithLabelValues("delivered").Inc()
		s.finishGroup(g, domain.DeliveryDelivered, "")
	case domain.DeliveryUndeliverable:
		metrics.Deliveries.WithLabelValues("undeliverable").Inc()
		s.finishGroup(g, domain.DeliveryUndeliverable,
			fmt.Sprintf("remote returned %d", status))
	default:
		metrics.Deliveries.WithLabelValues("retry").Inc()
		s.retryGroup(g, status, err)
	}
}

// classifyDelivery maps a POST outcome onto a delivery state. An empty string
// means retry later.
func classifyDelivery(status int, err error) string {
	if err != nil {
		// Network errors and open breakers both retry. An open breaker does
		// not consume an attempt slot worth of remote goodwill, but counting
		// it keeps the cap meaningful for dead hosts.
		return ""
	}
	switch {
	case status >= 200 && status < 300:
		return domain.DeliveryDelivered
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return ""
	case status >= 400 && status < 500:
		return domain.DeliveryUndeliverable
	default:
		return ""
	}
}

func (s *Service) finishGroup(g *deliveryGroup, state, reason string) {
	for _, item := range g.items {
		if err := s.DB.MarkInboxItemState(item.Id, state); err != nil {
			log.Error("Failed to update inbox item", "id", item.Id, "err", err)
		}
	}
	if state == domain.DeliveryUndeliverable {
		log.Warn("Delivery abandoned", "activity", g.activity.Fid, "inbox", g.inboxURI, "reason", reason)
	} else {
		log.Debug("Delivered", "activity", g.activity.Fid, "inbox", g.inboxURI, "recipients", len(g.items))
	}
}

func (s *Service) retryGroup(g *deliveryGroup, status int, cause error) {
	for _, item := range g.items {
		attempts := item.Attempts + 1
		if attempts >= maxDeliveryAttempts {
			if err := s.DB.MarkInboxItemState(item.Id, domain.DeliveryUndeliverable); err != nil {
				log.Error("Failed to update inbox item", "id", item.Id, "err", err)
			}
			continue
		}
		next := time.Now().Add(retryDelay(attempts))
		if err := s.DB.UpdateInboxItemAttempt(item.Id, attempts, next); err != nil {
			log.Error("Failed to update inbox item", "id", item.Id, "err", err)
		}
	}
	if errors.Is(cause, gobreaker.ErrOpenState) {
		log.Debug("Host breaker open", "inbox", g.inboxURI)
		return
	}
	log.Warn("Delivery failed, will retry", "activity", g.activity.Fid, "inbox", g.inboxURI,
		"status", status, "err", cause)
}

// postActivity signs and posts one activity document to a remote inbox.
func (s *Service) postActivity(ctx context.Context, inboxURI string, body []byte, key *rsa.PrivateKey, keyId string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, RemoteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxURI, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("User-Agent", util.GetNameAndVersion())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if err := SignRequest(req, body, key, keyId); err != nil {
		return 0, err
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
