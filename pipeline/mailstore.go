package pipeline

import (
	"context"

	"github.com/dhcgn/bounce-monitor/model"
)

// MailStore opens sessions against a mailbox.
type MailStore interface {
	Connect(ctx context.Context, mailbox model.Mailbox) (Session, error)
}

// Session is one authenticated connection. Messages are addressed by
// sequence number within the selected folder; sequence numbers stay
// stable until Expunge.
type Session interface {
	ListFolders(ctx context.Context) ([]string, error)
	CreateFolder(ctx context.Context, name string) error
	SelectFolder(ctx context.Context, name string) error
	MessageCount(ctx context.Context) (uint32, error)
	FetchHeader(ctx context.Context, seq uint32) ([]byte, error)
	FetchBody(ctx context.Context, seq uint32) ([]byte, error)
	Copy(ctx context.Context, seq uint32, folder string) error
	Delete(ctx context.Context, seq uint32) error
	Expunge(ctx context.Context) error
	Close() error
}
