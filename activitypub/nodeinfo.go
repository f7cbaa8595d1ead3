package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tonearm/tonearm/util"
)

// NodeinfoTTL is how long a cached remote nodeinfo document stays fresh.
const NodeinfoTTL = 24 * time.Hour

// NodeinfoDocument is the 2.0 schema subset we read and publish.
type NodeinfoDocument struct {
	Version  string `json:"version"`
	Software struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"software"`
	Protocols []string `json:"protocols"`
	Usage     struct {
		Users struct {
			Total int `json:"total"`
		} `json:"users"`
	} `json:"usage"`
	OpenRegistrations bool                   `json:"openRegistrations"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

type nodeinfoPointer struct {
	Links []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

// RemoteNodeinfo returns the nodeinfo of a remote host, served from the
// domain cache when fresh.
func (s *Service) RemoteNodeinfo(ctx context.Context, host string) (*NodeinfoDocument, error) {
	if err := s.CheckDomain(host); err != nil {
		return nil, err
	}

	if d, err := s.DB.ReadDomain(host); err == nil && d != nil && d.NodeinfoJSON != "" {
		if time.Since(d.NodeinfoFetchedAt) < NodeinfoTTL {
			var doc NodeinfoDocument
			if err := json.Unmarshal([]byte(d.NodeinfoJSON), &doc); err == nil {
				return &doc, nil
			}
		}
	}

	doc, raw, err := s.fetchNodeinfo(ctx, host)
	if err != nil {
		return nil, err
	}
	if err := s.ensureDomain(host); err == nil {
		if err := s.DB.UpdateDomainNodeinfo(host, string(raw)); err != nil {
			log.Warn("Failed to cache nodeinfo", "domain", host, "err", err)
		}
	}
	return doc, nil
}

// RefreshNodeinfo sweeps the known domains and refetches any nodeinfo cache
// older than the TTL. Blocked domains are skipped.
func (s *Service) RefreshNodeinfo(ctx context.Context) {
	domains, err := s.DB.ReadAllDomains()
	if err != nil {
		log.Error("Failed to list domains for nodeinfo refresh", "err", err)
		return
	}
	for _, d := range domains {
		if d.Blocked {
			continue
		}
		if _, err := s.RemoteNodeinfo(ctx, d.Name); err != nil {
			log.Debug("Nodeinfo refresh failed", "domain", d.Name, "err", err)
		}
	}
}

func (s *Service) fetchNodeinfo(ctx context.Context, host string) (*NodeinfoDocument, []byte, error) {
	pointerURL := fmt.Sprintf("https://%s/.well-known/nodeinfo", host)
	body, err := s.SignedGet(ctx, pointerURL)
	if err != nil {
		return nil, nil, err
	}

	var pointer nodeinfoPointer
	if err := json.Unmarshal(body, &pointer); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	href := ""
	for _, link := range pointer.Links {
		if link.Rel == "http://nodeinfo.diaspora.software/ns/schema/2.0" ||
			link.Rel == "http://nodeinfo.diaspora.software/ns/schema/2.1" {
			href = link.Href
		}
	}
	if href == "" {
		return nil, nil, fmt.Errorf("%w: no nodeinfo schema link on %s", ErrInvalidPayload, host)
	}

	raw, err := s.SignedGet(ctx, href)
	if err != nil {
		return nil, nil, err
	}
	var doc NodeinfoDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &doc, raw, nil
}

// LocalNodeinfo renders this instance's nodeinfo 2.0 document.
func (s *Service) LocalNodeinfo() (*NodeinfoDocument, error) {
	users, err := s.DB.CountLocalActors()
	if err != nil {
		return nil, err
	}

	var doc NodeinfoDocument
	doc.Version = "2.0"
	doc.Software.Name = "tonearm"
	doc.Software.Version = util.GetVersion()
	doc.Protocols = []string{"activitypub"}
	// The instance service actor does not count as a user.
	if users > 0 {
		users--
	}
	doc.Usage.Users.Total = users
	doc.OpenRegistrations = false
	doc.Metadata = map[string]interface{}{
		"nodeName": s.Conf.Domain(),
		"library": map[string]interface{}{
			"federationEnabled": s.Conf.Conf.Federation.Enabled,
		},
	}
	return &doc, nil
}
