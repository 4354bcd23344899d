// Package mail is the raw email transport: IMAP inbox polling and SMTP
// submission. Delivery is fire-and-forget from the pipeline's perspective;
// nothing here retries.
package mail

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"acp-backend/internal/conversation/domain"
)

// Transport is the mail collaborator the bot consumes.
type Transport interface {
	CheckInbox() ([]domain.InboundEmail, error)
	SendEmail(to, subject, body string) (messageID string, err error)
}

// Service implements Transport over plain IMAP/SMTP credentials.
type Service struct {
	imapAddr string // host:port, implicit TLS
	smtpAddr string // host:port, STARTTLS
	address  string
	password string
}

// NewService creates a mail service for one mailbox.
func NewService(imapAddr, smtpAddr, address, password string) *Service {
	return &Service{
		imapAddr: imapAddr,
		smtpAddr: smtpAddr,
		address:  address,
		password: password,
	}
}

// CheckInbox fetches every message currently in INBOX. Deduplication against
// already-stored messages is the caller's job (by Message-ID), so fetching
// the same messages on every pass is fine.
func (s *Service) CheckInbox() ([]domain.InboundEmail, error) {
	c, err := imapclient.DialTLS(s.imapAddr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial IMAP %s: %w", s.imapAddr, err)
	}
	defer c.Logout()

	if err := c.Login(s.address, s.password); err != nil {
		return nil, fmt.Errorf("IMAP login: %w", err)
	}

	mbox, err := c.Select("INBOX", true)
	if err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddRange(1, mbox.Messages)
	section := &imap.BodySectionName{}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	var inbound []domain.InboundEmail
	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil {
			log.Printf("[Mail] Message %d has no body section", msg.SeqNum)
			continue
		}
		parsed, err := parseMessage(r)
		if err != nil {
			log.Printf("[Mail] Skipping unparseable message %d: %v", msg.SeqNum, err)
			continue
		}
		inbound = append(inbound, *parsed)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch INBOX: %w", err)
	}
	return inbound, nil
}

// parseMessage extracts the headers and the text/plain part of one message.
func parseMessage(r io.Reader) (*domain.InboundEmail, error) {
	mr, err := gomail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("create reader: %w", err)
	}

	in := &domain.InboundEmail{}
	in.MessageID, _ = mr.Header.MessageID()
	in.Subject, _ = mr.Header.Subject()
	in.SentAt, _ = mr.Header.Date()

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		in.FromEmail = from[0].Address
		in.FromName = from[0].Name
	}
	if to, err := mr.Header.AddressList("To"); err == nil && len(to) > 0 {
		in.ToEmail = to[0].Address
	}
	if in.MessageID == "" {
		return nil, fmt.Errorf("message has no Message-ID")
	}
	if in.FromEmail == "" {
		return nil, fmt.Errorf("message has no From address")
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read part: %w", err)
		}
		if header, ok := part.Header.(*gomail.InlineHeader); ok {
			contentType, _, _ := header.ContentType()
			if contentType == "text/plain" || in.Body == "" {
				body, err := io.ReadAll(part.Body)
				if err != nil {
					return nil, fmt.Errorf("read body: %w", err)
				}
				in.Body = string(body)
				if contentType == "text/plain" {
					break
				}
			}
		}
	}
	return in, nil
}

// SendEmail builds a plain-text MIME message and submits it over SMTP with
// STARTTLS. Returns the generated Message-ID so the caller can record the
// sent email.
func (s *Service) SendEmail(to, subject, body string) (string, error) {
	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), addressDomain(s.address))

	var header gomail.Header
	header.SetDate(time.Now())
	header.SetAddressList("From", []*gomail.Address{{Address: s.address}})
	header.SetAddressList("To", []*gomail.Address{{Address: to}})
	header.SetSubject(subject)
	header.SetMessageID(messageID)

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, header)
	if err != nil {
		return "", fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return "", fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close message writer: %w", err)
	}

	host := s.smtpAddr
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	auth := smtp.PlainAuth("", s.address, s.password, host)
	if err := smtp.SendMail(s.smtpAddr, auth, s.address, []string{to}, buf.Bytes()); err != nil {
		return "", fmt.Errorf("send to %s: %w", to, err)
	}
	log.Printf("[Mail] Sent %q to %s", subject, to)
	return messageID, nil
}

func addressDomain(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 {
		return address[i+1:]
	}
	return address
}
