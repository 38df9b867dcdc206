package mailer

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

const mailerName = "Minipass/1.0"

// envelope is everything needed to build one outbound message.
type envelope struct {
	FromName    string
	From        string
	To          string
	ReplyTo     string
	Subject     string
	HTML        string
	Text        string
	Images      map[string][]byte
	Unsubscribe []string
	Date        time.Time
}

// compose builds a multipart/related message wrapping a multipart/alternative body
// (text then HTML) followed by the inline images referenced by Content-ID.
func compose(env envelope) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(env.Date)
	h.SetAddressList("From", []*mail.Address{{Name: env.FromName, Address: env.From}})
	h.SetAddressList("To", []*mail.Address{{Address: env.To}})
	if env.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: env.ReplyTo}})
	}
	h.SetSubject(env.Subject)

	messageID := fmt.Sprintf("%s@%s", uuid.NewString(), domainOf(env.From))
	h.SetMessageID(messageID)
	h.Set("MIME-Version", "1.0")
	h.Set("X-Mailer", mailerName)
	h.Set("Precedence", "bulk")
	if len(env.Unsubscribe) > 0 {
		h.Set("List-Unsubscribe", "<"+strings.Join(env.Unsubscribe, ">, <")+">")
		if hasOneClick(env.Unsubscribe) {
			h.Set("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
		}
	}
	h.SetContentType("multipart/related", map[string]string{"type": "multipart/alternative"})

	var buf bytes.Buffer
	root, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create message: %w", err)
	}

	var altHeader message.Header
	altHeader.SetContentType("multipart/alternative", nil)
	alt, err := root.CreatePart(altHeader)
	if err != nil {
		return nil, "", err
	}
	if err := writePart(alt, "text/plain", env.Text); err != nil {
		return nil, "", err
	}
	if err := writePart(alt, "text/html", env.HTML); err != nil {
		return nil, "", err
	}
	if err := alt.Close(); err != nil {
		return nil, "", err
	}

	cids := make([]string, 0, len(env.Images))
	for cid := range env.Images {
		cids = append(cids, cid)
	}
	sort.Strings(cids)
	for _, cid := range cids {
		var ih message.Header
		ih.SetContentType("image/png", nil)
		ih.SetContentDisposition("inline", map[string]string{"filename": cid + ".png"})
		ih.Set("Content-ID", "<"+cid+">")
		ih.Set("Content-Transfer-Encoding", "base64")
		w, err := root.CreatePart(ih)
		if err != nil {
			return nil, "", err
		}
		if _, err := w.Write(env.Images[cid]); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
	}

	if err := root.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), messageID, nil
}

func writePart(parent *message.Writer, contentType, body string) error {
	var ph message.Header
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := parent.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}

// hasOneClick reports whether an HTTPS URI is present; RFC 8058 one-click needs one.
func hasOneClick(uris []string) bool {
	for _, u := range uris {
		if strings.HasPrefix(strings.ToLower(u), "https://") {
			return true
		}
	}
	return false
}
