// Package imap implements the pipeline mail store over IMAP.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/dhcgn/bounce-monitor/model"
	"github.com/dhcgn/bounce-monitor/pipeline"
)

var (
	ErrNoFolderSelected = errors.New("no folder selected")
	ErrMessageMissing   = errors.New("message not returned by server")
)

// DefaultCloseGrace is how long a session stays open after its context is
// cancelled, so the caller can still expunge and log out.
const DefaultCloseGrace = 30 * time.Second

// Client dials one session per mailbox run.
type Client struct {
	logger *slog.Logger
	// CloseGrace bounds the time between cancellation and a forced close.
	CloseGrace time.Duration
}

func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger, CloseGrace: DefaultCloseGrace}
}

// Connect dials and authenticates. Cancelling ctx does not drop the
// connection right away: the session is force-closed only when Close has
// not been called within CloseGrace.
func (c *Client) Connect(ctx context.Context, mb model.Mailbox) (pipeline.Session, error) {
	if mb.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if mb.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}

	address := mb.Address()
	options := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         mb.Host,
			InsecureSkipVerify: mb.InsecureSkipVerify,
		},
	}

	var (
		client *imapclient.Client
		err    error
	)
	switch mb.Security {
	case model.SecurityStartTLS:
		client, err = imapclient.DialStartTLS(address, options)
	case model.SecurityNone:
		client, err = imapclient.DialInsecure(address, options)
	default:
		client, err = imapclient.DialTLS(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if strings.EqualFold(mb.Auth, "plain") {
		err = client.Authenticate(sasl.NewPlainClient("", mb.Username, mb.Password))
	} else {
		err = client.Login(mb.Username, mb.Password).Wait()
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	c.logger.Debug("imap connection established", "mailbox", mb.Name, "address", address, "user", mb.Username, "security", mb.Security)

	s := &Session{client: client, logger: c.logger, mailbox: mb.Name, done: make(chan struct{})}
	go s.watch(ctx, c.CloseGrace)
	return s, nil
}

// Session is one authenticated IMAP connection.
type Session struct {
	client    *imapclient.Client
	logger    *slog.Logger
	mailbox   string
	done      chan struct{}
	forced    atomic.Bool

	selected string
	count    uint32

	closeOnce sync.Once
}

func (s *Session) ListFolders(context.Context) ([]string, error) {
	list, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	names := make([]string, 0, len(list))
	for _, data := range list {
		names = append(names, data.Mailbox)
	}
	return names, nil
}

// CreateFolder creates name; a folder that already exists is not an error.
func (s *Session) CreateFolder(_ context.Context, name string) error {
	if err := s.client.Create(name, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			s.logger.Debug("imap mailbox already exists", "mailbox", name)
			return nil
		}
		return fmt.Errorf("create folder %s: %w", name, err)
	}
	s.logger.Info("imap mailbox created", "mailbox", name)
	return nil
}

func (s *Session) SelectFolder(_ context.Context, name string) error {
	data, err := s.client.Select(name, nil).Wait()
	if err != nil {
		return fmt.Errorf("select folder %s: %w", name, err)
	}
	s.selected = name
	s.count = data.NumMessages
	return nil
}

func (s *Session) MessageCount(context.Context) (uint32, error) {
	if s.selected == "" {
		return 0, ErrNoFolderSelected
	}
	return s.count, nil
}

func (s *Session) FetchHeader(_ context.Context, seq uint32) ([]byte, error) {
	return s.fetchSection(seq, imapv2.PartSpecifierHeader)
}

func (s *Session) FetchBody(_ context.Context, seq uint32) ([]byte, error) {
	return s.fetchSection(seq, imapv2.PartSpecifierText)
}

// fetchSection reads one body section without setting \Seen.
func (s *Session) fetchSection(seq uint32, spec imapv2.PartSpecifier) ([]byte, error) {
	if s.selected == "" {
		return nil, ErrNoFolderSelected
	}
	section := &imapv2.FetchItemBodySection{Specifier: spec, Peek: true}
	msgs, err := s.client.Fetch(imapv2.SeqSetNum(seq), &imapv2.FetchOptions{
		BodySection: []*imapv2.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch message %d: %w", seq, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("fetch message %d: %w", seq, ErrMessageMissing)
	}
	return msgs[0].FindBodySection(section), nil
}

func (s *Session) Copy(_ context.Context, seq uint32, folder string) error {
	if _, err := s.client.Copy(imapv2.SeqSetNum(seq), folder).Wait(); err != nil {
		return fmt.Errorf("copy message %d to %s: %w", seq, folder, err)
	}
	return nil
}

// Delete flags the message \Deleted. It disappears on the next Expunge.
func (s *Session) Delete(_ context.Context, seq uint32) error {
	_, err := s.client.Store(imapv2.SeqSetNum(seq), &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagDeleted},
	}, nil).Collect()
	if err != nil {
		return fmt.Errorf("flag message %d deleted: %w", seq, err)
	}
	return nil
}

func (s *Session) Expunge(context.Context) error {
	if _, err := s.client.Expunge().Collect(); err != nil {
		return fmt.Errorf("expunge %s: %w", s.selected, err)
	}
	return nil
}

// watch force-closes the connection when ctx is cancelled and Close does
// not follow within grace.
func (s *Session) watch(ctx context.Context, grace time.Duration) {
	select {
	case <-s.done:
		return
	case <-ctx.Done():
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Warn("imap session not closed after cancellation, dropping connection", "mailbox", s.mailbox, "grace", grace)
		s.forced.Store(true)
		_ = s.client.Close()
	}
}

// Close logs out unless the connection was already dropped, and always
// closes it.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if !s.forced.Load() {
			if lerr := s.client.Logout().Wait(); lerr != nil {
				s.logger.Warn("imap logout failed", "mailbox", s.mailbox, "err", lerr)
			}
		}
		if cerr := s.client.Close(); cerr != nil {
			s.logger.Debug("imap connection closed", "mailbox", s.mailbox, "err", cerr)
		}
	})
	return nil
}
