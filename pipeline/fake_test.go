package pipeline_test

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

// fakeMailStore is an in-memory mail server with one inbox.
type fakeMailStore struct {
	mu         sync.Mutex
	folders    map[string][][]byte
	connectErr error
	selectErr  error
	copyErr    map[uint32]error
	fetchErr   map[uint32]error
	// onFetch runs before every header fetch.
	onFetch func(seq uint32)

	deleted  map[uint32]bool
	expunges int
	closed   int
}

func newFakeMailStore(inbox ...string) *fakeMailStore {
	msgs := make([][]byte, 0, len(inbox))
	for _, m := range inbox {
		msgs = append(msgs, []byte(m))
	}
	return &fakeMailStore{
		folders:  map[string][][]byte{model.DefaultInbox: msgs},
		copyErr:  map[uint32]error{},
		fetchErr: map[uint32]error{},
		deleted:  map[uint32]bool{},
	}
}

func (f *fakeMailStore) Connect(context.Context, model.Mailbox) (pipeline.Session, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &fakeSession{store: f}, nil
}

func (f *fakeMailStore) folder(name string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.folders[name]
}

type fakeSession struct {
	store    *fakeMailStore
	selected string
}

func (s *fakeSession) ListFolders(context.Context) ([]string, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	var out []string
	for name := range s.store.folders {
		out = append(out, name)
	}
	return out, nil
}

func (s *fakeSession) CreateFolder(_ context.Context, name string) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if _, ok := s.store.folders[name]; ok {
		return fmt.Errorf("folder %s exists", name)
	}
	s.store.folders[name] = nil
	return nil
}

func (s *fakeSession) SelectFolder(_ context.Context, name string) error {
	if s.store.selectErr != nil {
		return s.store.selectErr
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if _, ok := s.store.folders[name]; !ok {
		return fmt.Errorf("no folder %s", name)
	}
	s.selected = name
	return nil
}

func (s *fakeSession) MessageCount(context.Context) (uint32, error) {
	return uint32(len(s.store.folder(s.selected))), nil
}

func (s *fakeSession) message(seq uint32) ([]byte, error) {
	msgs := s.store.folder(s.selected)
	if seq == 0 || int(seq) > len(msgs) {
		return nil, fmt.Errorf("no message %d", seq)
	}
	return msgs[seq-1], nil
}

func (s *fakeSession) FetchHeader(_ context.Context, seq uint32) ([]byte, error) {
	if s.store.onFetch != nil {
		s.store.onFetch(seq)
	}
	if err := s.store.fetchErr[seq]; err != nil {
		return nil, err
	}
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
	if err := s.store.copyErr[seq]; err != nil {
		return err
	}
	raw, err := s.message(seq)
	if err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if _, ok := s.store.folders[folder]; !ok {
		return errors.New("TRYCREATE")
	}
	s.store.folders[folder] = append(s.store.folders[folder], raw)
	return nil
}

func (s *fakeSession) Delete(_ context.Context, seq uint32) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.deleted[seq] = true
	return nil
}

func (s *fakeSession) Expunge(context.Context) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	var keep [][]byte
	for i, m := range s.store.folders[s.selected] {
		if !s.store.deleted[uint32(i+1)] {
			keep = append(keep, m)
		}
	}
	s.store.folders[s.selected] = keep
	s.store.deleted = map[uint32]bool{}
	s.store.expunges++
	return nil
}

func (s *fakeSession) Close() error {
	s.store.mu.Lock()
	s.store.closed++
	s.store.mu.Unlock()
	return nil
}

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
	"Reporting-MTA: dns; mx.example.net\r\n\r\n" +
	"Final-Recipient: rfc822; john@example.com\r\n" +
	"Action: failed\r\n" +
	"Status: 5.1.1\r\n" +
	"--rpt\r\n" +
	"Content-Type: text/rfc822-headers\r\n\r\n" +
	"To: john@example.com\r\n" +
	"Cc: Alice <alice@corp.test>\r\n" +
	"Subject: Contract draft\r\n" +
	"Date: Mon, 10 Mar 2025 08:00:00 +0000\r\n" +
	"--rpt--\r\n"

const plainMessage = "From: colleague@corp.test\r\n" +
	"To: bounces@monitor.example\r\n" +
	"Subject: Lunch tomorrow\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Shall we meet at noon?\r\n"

const unparseableBounce = "From: MAILER-DAEMON@mx.example.net\r\n" +
	"Subject: Mail delivery failed: returning message to sender\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"This message was created automatically by mail delivery software.\r\n" +
	"A message that you sent could not be delivered.\r\n"

func variant(msg string, n int) string {
	return strings.Replace(msg, "Contract draft", fmt.Sprintf("Contract draft %d", n), 1)
}
