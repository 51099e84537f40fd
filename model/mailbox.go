package model

import (
	"net"
	"strconv"
	"time"
)

// Security selects the transport used for the mail store connection.
type Security string

const (
	SecuritySSL      Security = "ssl"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// Mailbox describes one monitored bounce mailbox and its result folders.
type Mailbox struct {
	ID                 int64
	Name               string
	Host               string
	Port               int
	Security           Security
	Auth               string
	Username           string
	Password           string
	InsecureSkipVerify bool

	Inbox           string
	ProcessedFolder string
	SkippedFolder   string
	ProblemFolder   string

	Enabled       bool
	LastProcessed time.Time

	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

const (
	DefaultInbox           = "INBOX"
	DefaultProcessedFolder = "Processed"
	DefaultSkippedFolder   = "Skipped"
	DefaultProblemFolder   = "Problem"
)

// WithDefaults fills empty folder names.
func (m Mailbox) WithDefaults() Mailbox {
	if m.Inbox == "" {
		m.Inbox = DefaultInbox
	}
	if m.ProcessedFolder == "" {
		m.ProcessedFolder = DefaultProcessedFolder
	}
	if m.SkippedFolder == "" {
		m.SkippedFolder = DefaultSkippedFolder
	}
	if m.ProblemFolder == "" {
		m.ProblemFolder = DefaultProblemFolder
	}
	return m
}

// Address returns host:port for dialing.
func (m Mailbox) Address() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// ResultFolders lists the folders messages are filed into.
func (m Mailbox) ResultFolders() []string {
	return []string{m.ProcessedFolder, m.SkippedFolder, m.ProblemFolder}
}

// MailboxRunResult summarises one pass over a mailbox.
type MailboxRunResult struct {
	MailboxID    int64
	Mailbox      string
	Processed    int
	Skipped      int
	Problems     int
	Ignored      int
	Duplicates   int
	MoveFailures int
	Started      time.Time
	Finished     time.Time
}

// Total is the number of messages that were looked at.
func (r MailboxRunResult) Total() int {
	return r.Processed + r.Skipped + r.Problems + r.Ignored + r.Duplicates
}
