package runner_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dhcgn/bounce-monitor/mimedecode"
	"github.com/dhcgn/bounce-monitor/model"
	"github.com/dhcgn/bounce-monitor/pipeline"
)

// fakeServer holds one account per mailbox name, each with its own folders.
type fakeServer struct {
	mu         sync.Mutex
	accounts   map[string]map[string][][]byte
	connectErr map[string]error
	connects   int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		accounts:   map[string]map[string][][]byte{},
		connectErr: map[string]error{},
	}
}

func (f *fakeServer) add(mailbox string, msgs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inbox := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		inbox = append(inbox, []byte(m))
	}
	f.accounts[mailbox] = map[string][][]byte{model.DefaultInbox: inbox}
}

func (f *fakeServer) count(mailbox, folder string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accounts[mailbox][folder])
}

func (f *fakeServer) Connect(_ context.Context, mb model.Mailbox) (pipeline.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if err := f.connectErr[mb.Name]; err != nil {
		return nil, err
	}
	folders, ok := f.accounts[mb.Name]
	if !ok {
		return nil, fmt.Errorf("unknown account %s", mb.Name)
	}
	return &fakeSession{server: f, folders: folders, deleted: map[uint32]bool{}}, nil
}

type fakeSession struct {
	server   *fakeServer
	folders  map[string][][]byte
	selected string
	deleted  map[uint32]bool
}

func (s *fakeSession) ListFolders(context.Context) ([]string, error) {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	var out []string
	for name := range s.folders {
		out = append(out, name)
	}
	return out, nil
}

func (s *fakeSession) CreateFolder(_ context.Context, name string) error {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if _, ok := s.folders[name]; !ok {
		s.folders[name] = nil
	}
	return nil
}

func (s *fakeSession) SelectFolder(_ context.Context, name string) error {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if _, ok := s.folders[name]; !ok {
		return fmt.Errorf("no folder %s", name)
	}
	s.selected = name
	return nil
}

func (s *fakeSession) MessageCount(context.Context) (uint32, error) {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	return uint32(len(s.folders[s.selected])), nil
}

func (s *fakeSession) message(seq uint32) ([]byte, error) {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	msgs := s.folders[s.selected]
	if seq == 0 || int(seq) > len(msgs) {
		return nil, fmt.Errorf("no message %d", seq)
	}
	return msgs[seq-1], nil
}

func (s *fakeSession) FetchHeader(_ context.Context, seq uint32) ([]byte, error) {
	raw, err := s.message(seq)
	if err != nil {
		return nil, err
	}
	header, _ := mimedecode.SplitMessage(raw)
	return header, nil
}

func (s *fakeSession) FetchBody(_ context.Context, seq uint32) ([]byte, error) {
	raw, err := s.message(seq)
	if err != nil {
		return nil, err
	}
	_, body := mimedecode.SplitMessage(raw)
	return body, nil
}

func (s *fakeSession) Copy(_ context.Context, seq uint32, folder string) error {
	raw, err := s.message(seq)
	if err != nil {
		return err
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if _, ok := s.folders[folder]; !ok {
		return errors.New("TRYCREATE")
	}
	s.folders[folder] = append(s.folders[folder], raw)
	return nil
}

func (s *fakeSession) Delete(_ context.Context, seq uint32) error {
	s.deleted[seq] = true
	return nil
}

func (s *fakeSession) Expunge(context.Context) error {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	var keep [][]byte
	for i, m := range s.folders[s.selected] {
		if !s.deleted[uint32(i+1)] {
			keep = append(keep, m)
		}
	}
	s.folders[s.selected] = keep
	s.deleted = map[uint32]bool{}
	return nil
}

func (s *fakeSession) Close() error { return nil }

const dsnBounce = "From: Mail Delivery System <MAILER-DAEMON@mx.example.net>\r\n" +
	"To: bounces@monitor.example\r\n" +
	"Subject: Undelivered Mail Returned to Sender\r\n" +
	"Content-Type: multipart/report; report-type=delivery-status; boundary=\"rpt\"\r\n" +
	"\r\n" +
	"--rpt\r\n" +
	"Content-Type: text/plain; charset=us-ascii\r\n\r\n" +
	"<john@example.com>: host mx.example.com said: 550 5.1.1 User unknown\r\n" +
	"--rpt\r\n" +
	"Content-Type: message/delivery-status\r\n\r\n" +
	"Final-Recipient: rfc822; john@example.com\r\n" +
	"Action: failed\r\n" +
	"Status: 5.1.1\r\n" +
	"--rpt\r\n" +
	"Content-Type: text/rfc822-headers\r\n\r\n" +
	"To: john@example.com\r\n" +
	"Cc: Alice <alice@corp.test>\r\n" +
	"Subject: Contract draft\r\n" +
	"--rpt--\r\n"

const plainMessage = "From: colleague@corp.test\r\n" +
	"To: bounces@monitor.example\r\n" +
	"Subject: Lunch tomorrow\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Shall we meet at noon?\r\n"

func variant(n int) string {
	return strings.Replace(dsnBounce, "Contract draft", fmt.Sprintf("Contract draft %d", n), 1)
}
