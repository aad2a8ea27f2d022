// Package mailbox reads candidate purchase-request emails from an IMAP inbox
// without changing any flags.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"procure/internal"
	"procure/internal/config"
	"procure/internal/util"
)

var ErrConnection = errors.New("mailbox connection failed")

type Credentials struct {
	Host     string
	Port     int
	User     string
	Password string
}

type ProbeResult struct {
	Mailbox   string
	TLS       bool
	Messages  uint32
	Unseen    uint32
	Mailboxes []string
}

type Reader struct {
	mailbox  string
	keyword  string
	timeout  time.Duration
	insecure bool
	log      *zap.Logger
}

func NewReader(cfg config.Config, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	mailbox := cfg.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &Reader{
		mailbox:  mailbox,
		keyword:  cfg.IMAPSubjectKeyword,
		timeout:  time.Duration(cfg.IMAPTimeoutMs) * time.Millisecond,
		insecure: cfg.IMAPInsecure,
		log:      log.Named("mailbox"),
	}
}

// FetchSince returns messages dated strictly after watermark whose subject
// contains the configured keyword, oldest first.
func (r *Reader) FetchSince(ctx context.Context, creds Credentials, watermark time.Time) ([]internal.EmailMessage, error) {
	client, release, err := r.connect(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := client.Select(r.mailbox, true); err != nil {
		return nil, fmt.Errorf("%w: select %s: %v", ErrConnection, r.mailbox, err)
	}

	// SINCE is date-only and servers differ on its zone and inclusiveness, so
	// the search is widened by a day and the exact cut happens below.
	day := watermark.UTC()
	criteria := imap.NewSearchCriteria()
	criteria.Since = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)

	ids, err := client.Search(criteria)
	if err != nil {
		return nil, r.wrap(ctx, "search", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}
	messages := make(chan *imap.Message, len(ids))
	fetchDone := make(chan error, 1)
	go func() { fetchDone <- client.Fetch(seqset, items, messages) }()

	out := make([]internal.EmailMessage, 0, len(ids))
	for msg := range messages {
		if msg == nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			r.log.Warn("read message body", zap.Uint32("uid", msg.Uid), zap.Error(err))
			continue
		}

		parsed, err := parseMessage(raw, msg.InternalDate)
		if err != nil {
			r.log.Warn("skip unparseable message", zap.Uint32("uid", msg.Uid), zap.Error(err))
			continue
		}
		parsed.UID = msg.Uid

		if !parsed.Date.After(watermark) {
			continue
		}
		if !util.ContainsFold(parsed.Subject, r.keyword) {
			continue
		}
		out = append(out, parsed)
	}

	if err := <-fetchDone; err != nil {
		return nil, r.wrap(ctx, "fetch", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].UID < out[j].UID
		}
		return out[i].Date.Before(out[j].Date)
	})

	r.log.Debug("fetched messages",
		zap.String("user", creds.User),
		zap.Time("since", watermark),
		zap.Int("searched", len(ids)),
		zap.Int("matched", len(out)),
	)
	return out, nil
}

// Probe logs in and selects the mailbox read-only. Nothing is fetched.
func (r *Reader) Probe(ctx context.Context, creds Credentials) (ProbeResult, error) {
	client, release, err := r.connect(ctx, creds)
	if err != nil {
		return ProbeResult{}, err
	}
	defer release()

	result := ProbeResult{Mailbox: r.mailbox, TLS: client.IsTLS()}

	infos := make(chan *imap.MailboxInfo, 16)
	listDone := make(chan error, 1)
	go func() { listDone <- client.List("", "*", infos) }()
	for info := range infos {
		result.Mailboxes = append(result.Mailboxes, info.Name)
	}
	if err := <-listDone; err != nil {
		return result, r.wrap(ctx, "list", err)
	}

	status, err := client.Select(r.mailbox, true)
	if err != nil {
		return result, fmt.Errorf("%w: select %s: %v", ErrConnection, r.mailbox, err)
	}
	result.Messages = status.Messages
	result.Unseen = status.Unseen
	return result, nil
}

// connect dials and logs in. The returned release func logs out and must
// always be called. Cancelling ctx drops the connection.
func (r *Reader) connect(ctx context.Context, creds Credentials) (*imapclient.Client, func(), error) {
	if creds.Host == "" || creds.User == "" {
		return nil, nil, fmt.Errorf("%w: host and user are required", ErrConnection)
	}
	port := creds.Port
	if port == 0 {
		port = 993
	}
	addr := net.JoinHostPort(creds.Host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: r.timeout}

	var client *imapclient.Client
	var err error
	if r.insecure {
		client, err = imapclient.DialWithDialer(dialer, addr)
	} else {
		client, err = imapclient.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: creds.Host})
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}
	client.Timeout = r.timeout

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Terminate()
		case <-stop:
		}
	}()
	release := func() {
		close(stop)
		_ = client.Logout()
	}

	if err := client.Login(creds.User, creds.Password); err != nil {
		release()
		return nil, nil, fmt.Errorf("%w: login %s: %v", ErrConnection, creds.User, err)
	}
	return client, release, nil
}

func (r *Reader) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s: %v", ErrConnection, op, err)
}
