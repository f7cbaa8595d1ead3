package admin

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	bm "github.com/charmbracelet/wish/bubbletea"
	"github.com/charmbracelet/wish/logging"
	"github.com/muesli/termenv"
	"github.com/tonearm/tonearm/activitypub"
	"github.com/tonearm/tonearm/util"
	gossh "golang.org/x/crypto/ssh"
)

// consoleMiddleware starts the moderation TUI for each SSH session.
func consoleMiddleware(svc *activitypub.Service) wish.Middleware {
	teaHandler := func(s ssh.Session) *tea.Program {
		pty, _, active := s.Pty()
		if !active {
			wish.Println(s, "no active terminal, skipping")
			return nil
		}
		m := NewModel(svc, pty.Window.Width, pty.Window.Height)
		return tea.NewProgram(m, tea.WithInput(s), tea.WithOutput(s), tea.WithAltScreen())
	}
	return bm.MiddlewareWithProgramHandler(teaHandler, termenv.ANSI256)
}

// loadAuthorizedKeys reads the operator key allow list. A missing file is not
// an error; it means the operator has not pinned a key yet.
func loadAuthorizedKeys(path string) []ssh.PublicKey {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var keys []ssh.PublicKey
	for len(buf) > 0 {
		key, _, _, rest, err := gossh.ParseAuthorizedKey(buf)
		if err != nil {
			break
		}
		keys = append(keys, key)
		buf = rest
	}
	return keys
}

// publicKeyAuth checks connecting keys against the authorized_keys file.
// Until that file exists any key may connect, so the operator can log in once
// and pin their own key.
func publicKeyAuth(path string) func(ssh.Context, ssh.PublicKey) bool {
	return func(ctx ssh.Context, key ssh.PublicKey) bool {
		allowed := loadAuthorizedKeys(path)
		if len(allowed) == 0 {
			return true
		}
		for _, k := range allowed {
			if ssh.KeysEqual(key, k) {
				return true
			}
		}
		log.Warn("Rejected console connection",
			"key", strings.TrimSpace(string(gossh.MarshalAuthorizedKey(key))))
		return false
	}
}

// NewServer builds the SSH server hosting the console.
func NewServer(svc *activitypub.Service) (*ssh.Server, error) {
	hostKeyPath := util.ResolveFilePathWithSubdir(".ssh", "hostkey")
	authorizedKeysPath := util.ResolveFilePathWithSubdir(".ssh", "authorized_keys")
	addr := fmt.Sprintf("%s:%d", svc.Conf.Conf.Host, svc.Conf.Conf.SshPort)

	s, err := wish.NewServer(
		wish.WithAddress(addr),
		wish.WithHostKeyPath(hostKeyPath),
		wish.WithPublicKeyAuth(publicKeyAuth(authorizedKeysPath)),
		wish.WithMiddleware(
			consoleMiddleware(svc),
			logging.Middleware(), // last middleware executed first
		),
	)
	if err != nil {
		return nil, err
	}
	log.Info("Moderation console listening", "addr", addr)
	return s, nil
}
