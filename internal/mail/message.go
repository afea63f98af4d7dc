package mail

import (
	"bytes"
	"fmt"
	netmail "net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	gomail "github.com/wneessen/go-mail"

	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
)

// compose validates msg and turns it into a MIME message with a fresh
// Message-ID. Addresses come from marketplace reports, so anything that
// could smuggle a header is refused.
func compose(msg Message, now time.Time) (*gomail.Msg, string, error) {
	if err := checkAddress("from", msg.From); err != nil {
		return nil, "", err
	}
	if err := checkAddress("to", msg.To); err != nil {
		return nil, "", err
	}
	for _, a := range append(append([]string(nil), msg.CC...), msg.BCC...) {
		if err := checkAddress("cc", a); err != nil {
			return nil, "", err
		}
	}

	m := gomail.NewMsg()
	if err := m.From(msg.From); err != nil {
		return nil, "", invalid("from", msg.From, err.Error())
	}
	if err := m.To(msg.To); err != nil {
		return nil, "", invalid("to", msg.To, err.Error())
	}
	if len(msg.CC) > 0 {
		if err := m.Cc(msg.CC...); err != nil {
			return nil, "", invalid("cc", strings.Join(msg.CC, ","), err.Error())
		}
	}
	if len(msg.BCC) > 0 {
		if err := m.Bcc(msg.BCC...); err != nil {
			return nil, "", invalid("bcc", strings.Join(msg.BCC, ","), err.Error())
		}
	}
	m.Subject(oneLine(msg.Subject))
	m.SetDateWithValue(now)
	id := uuid.NewString() + "@" + domainOf(msg.From)
	m.SetMessageIDWithValue(id)
	m.SetBodyString(bodyType(msg.Body), msg.Body)

	for _, a := range msg.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		if err := m.AttachReader(a.Name, bytes.NewReader(a.Data), gomail.WithFileContentType(gomail.ContentType(ct))); err != nil {
			return nil, "", fmt.Errorf("attach %s: %w", a.Name, err)
		}
	}
	return m, "<" + id + ">", nil
}

func checkAddress(field, addr string) error {
	if strings.ContainsAny(addr, "\r\n") {
		return invalid(field, addr, "line break in address")
	}
	if _, err := netmail.ParseAddress(addr); err != nil {
		return invalid(field, addr, err.Error())
	}
	return nil
}

func invalid(field, addr, reason string) error {
	return &appErrors.ValidationError{Entity: "email " + field, Key: strconv.Quote(addr), Reason: reason}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(strings.NewReplacer("\r", " ", "\n", " ").Replace(s)), " ")
}

func bodyType(body string) gomail.ContentType {
	lower := strings.ToLower(body)
	for _, tag := range []string{"<html", "<body", "<p>", "<br", "<div", "<table"} {
		if strings.Contains(lower, tag) {
			return gomail.TypeTextHTML
		}
	}
	return gomail.TypeTextPlain
}

func domainOf(addr string) string {
	if a, err := netmail.ParseAddress(addr); err == nil {
		addr = a.Address
	}
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
