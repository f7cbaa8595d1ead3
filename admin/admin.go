// Package admin is the SSH moderation console: domain allow/block decisions,
// follows held for approval and a view of the delivery queue.
package admin

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/tonearm/tonearm/activitypub"
	"github.com/tonearm/tonearm/domain"
)

const (
	colorGreen    = "35"
	colorRed      = "160"
	colorBlue     = "69"
	colorGrey     = "241"
	colorMagenta  = "170"
	colorDarkGrey = "238"
)

var (
	captionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorMagenta)).Padding(1, 2)
	rowStyle     = lipgloss.NewStyle().PaddingLeft(2)
	selectedRow  = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color(colorGreen)).Bold(true)
	blockedRow   = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color(colorRed))
	emptyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorDarkGrey)).Italic(true)
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(colorBlue))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGrey)).Padding(0, 2)
)

// view selects which list the console shows.
type view int

const (
	viewDomains view = iota
	viewFollows
)

type Model struct {
	svc      *activitypub.Service
	view     view
	domains  []domain.Domain
	follows  []followRow
	queue    map[string]int
	selected int
	width    int
	height   int
	status   string
	err      string
}

// followRow is a pending follow joined with its display names.
type followRow struct {
	follow   domain.Follow
	follower string
	target   string
}

func NewModel(svc *activitypub.Service, width, height int) Model {
	return Model{
		svc:    svc,
		view:   viewDomains,
		width:  width,
		height: height,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(loadDomains(m.svc), loadFollows(m.svc), loadQueue(m.svc))
}

type domainsLoadedMsg struct{ domains []domain.Domain }
type followsLoadedMsg struct{ follows []followRow }
type queueLoadedMsg struct{ counts map[string]int }
type domainUpdatedMsg struct{ name string }
type followSettledMsg struct{ accepted bool }

func loadDomains(svc *activitypub.Service) tea.Cmd {
	return func() tea.Msg {
		domains, err := svc.DB.ReadAllDomains()
		if err != nil {
			log.Error("Console: failed to load domains", "err", err)
		}
		return domainsLoadedMsg{domains: domains}
	}
}

func loadFollows(svc *activitypub.Service) tea.Cmd {
	return func() tea.Msg {
		pending, err := svc.DB.ReadPendingFollows()
		if err != nil {
			log.Error("Console: failed to load follows", "err", err)
			return followsLoadedMsg{}
		}
		rows := make([]followRow, 0, len(pending))
		for _, f := range pending {
			row := followRow{follow: f}
			if a, err := svc.DB.ReadActorById(f.ActorId); err == nil && a != nil {
				row.follower = a.Handle()
			}
			if lib, err := svc.DB.ReadLibraryById(f.LibraryId); err == nil && lib != nil {
				row.target = lib.Name
			} else if a, err := svc.DB.ReadActorById(f.TargetId); err == nil && a != nil {
				row.target = a.Handle()
			}
			rows = append(rows, row)
		}
		return followsLoadedMsg{follows: rows}
	}
}

func loadQueue(svc *activitypub.Service) tea.Cmd {
	return func() tea.Msg {
		counts, err := svc.DB.CountInboxItemsByState()
		if err != nil {
			log.Error("Console: failed to load queue stats", "err", err)
		}
		return queueLoadedMsg{counts: counts}
	}
}

func setDomainBlocked(svc *activitypub.Service, d domain.Domain, blocked bool) tea.Cmd {
	return func() tea.Msg {
		d.Blocked = blocked
		d.Allowed = !blocked
		if err := svc.DB.UpsertDomain(&d); err != nil {
			log.Error("Console: failed to update domain", "domain", d.Name, "err", err)
		}
		return domainUpdatedMsg{name: d.Name}
	}
}

func settleFollow(svc *activitypub.Service, f domain.Follow, accept bool) tea.Cmd {
	return func() tea.Msg {
		if err := svc.SettleFollow(&f, accept); err != nil {
			log.Error("Console: failed to settle follow", "fid", f.Fid, "err", err)
		}
		return followSettledMsg{accepted: accept}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case domainsLoadedMsg:
		m.domains = msg.domains
		m.clampSelection()
		return m, nil

	case followsLoadedMsg:
		m.follows = msg.follows
		m.clampSelection()
		return m, nil

	case queueLoadedMsg:
		m.queue = msg.counts
		return m, nil

	case domainUpdatedMsg:
		m.status = fmt.Sprintf("Updated policy for %s", msg.name)
		m.err = ""
		return m, loadDomains(m.svc)

	case followSettledMsg:
		if msg.accepted {
			m.status = "Follow accepted"
		} else {
			m.status = "Follow rejected"
		}
		m.err = ""
		return m, loadFollows(m.svc)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.status = ""
	m.err = ""

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab":
		if m.view == viewDomains {
			m.view = viewFollows
		} else {
			m.view = viewDomains
		}
		m.selected = 0
		return m, nil

	case "r":
		if m.view == viewFollows && len(m.follows) > 0 {
			return m, settleFollow(m.svc, m.follows[m.selected].follow, false)
		}
		return m, tea.Batch(loadDomains(m.svc), loadFollows(m.svc), loadQueue(m.svc))

	case "up":
		if m.selected > 0 {
			m.selected--
		}
	case "down":
		if m.selected < m.listLen()-1 {
			m.selected++
		}

	case "b":
		if m.view == viewDomains && len(m.domains) > 0 {
			d := m.domains[m.selected]
			if d.Name == m.svc.Conf.Domain() {
				m.err = "Cannot block the local domain"
				return m, nil
			}
			if d.Blocked {
				m.err = "Domain is already blocked"
				return m, nil
			}
			return m, setDomainBlocked(m.svc, d, true)
		}

	case "a":
		if m.view == viewDomains && len(m.domains) > 0 {
			d := m.domains[m.selected]
			if !d.Blocked {
				m.err = "Domain is not blocked"
				return m, nil
			}
			return m, setDomainBlocked(m.svc, d, false)
		}
		if m.view == viewFollows && len(m.follows) > 0 {
			return m, settleFollow(m.svc, m.follows[m.selected].follow, true)
		}
	}
	return m, nil
}

func (m *Model) listLen() int {
	if m.view == viewDomains {
		return len(m.domains)
	}
	return len(m.follows)
}

func (m *Model) clampSelection() {
	if n := m.listLen(); m.selected >= n {
		m.selected = 0
		if n > 0 {
			m.selected = n - 1
		}
	}
}

func (m Model) View() string {
	var s strings.Builder

	pending := 0
	if m.queue != nil {
		pending = m.queue[domain.DeliveryPending]
	}
	s.WriteString(captionStyle.Render(fmt.Sprintf("federation console · %d deliveries pending", pending)))
	s.WriteString("\n\n")

	if m.view == viewDomains {
		m.renderDomains(&s)
	} else {
		m.renderFollows(&s)
	}

	s.WriteString("\n")
	if m.view == viewDomains {
		s.WriteString(helpStyle.Render("b: block  a: allow  tab: follows  r: refresh  q: quit"))
	} else {
		s.WriteString(helpStyle.Render("a: accept  r: reject  tab: domains  q: quit"))
	}
	s.WriteString("\n")

	if m.status != "" {
		s.WriteString("\n" + statusStyle.Render(m.status) + "\n")
	}
	if m.err != "" {
		s.WriteString("\n" + errorStyle.Render(m.err) + "\n")
	}
	return s.String()
}

func (m Model) renderDomains(s *strings.Builder) {
	if len(m.domains) == 0 {
		s.WriteString(emptyStyle.Render("No known domains yet."))
		s.WriteString("\n")
		return
	}
	for i, d := range m.domains {
		prefix := "  "
		style := rowStyle
		if i == m.selected {
			prefix = "> "
			style = selectedRow
		}
		suffix := ""
		if d.Blocked {
			style = blockedRow
			suffix = " [BLOCKED]"
		}
		s.WriteString(style.Render(prefix + d.Name + suffix))
		s.WriteString("\n")
	}
}

func (m Model) renderFollows(s *strings.Builder) {
	if len(m.follows) == 0 {
		s.WriteString(emptyStyle.Render("No follows waiting for approval."))
		s.WriteString("\n")
		return
	}
	for i, row := range m.follows {
		prefix := "  "
		style := rowStyle
		if i == m.selected {
			prefix = "> "
			style = selectedRow
		}
		s.WriteString(style.Render(fmt.Sprintf("%s%s wants to follow %s", prefix, row.follower, row.target)))
		s.WriteString("\n")
	}
}
