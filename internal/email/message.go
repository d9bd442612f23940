package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

// base64LineLength is the maximum encoded line length per RFC 2045.
const base64LineLength = 76

// Message is a fully assembled message ready for transmission.
type Message struct {
	// ID is the Message-ID header value, including angle brackets.
	ID string

	// EnvelopeFrom and Recipients are used for MAIL FROM and RCPT TO.
	EnvelopeFrom string
	Recipients   []string

	// From, To and Subject mirror the header values before encoding.
	From    string
	To      string
	Subject string

	HTML            bool
	AttachmentCount int

	// Raw is the complete RFC 5322 message with CRLF line endings.
	Raw []byte
}

// Build assembles req into a MIME message sent by sender. Without
// attachments the message is a single text part; otherwise it is
// multipart/mixed with the body as the first part.
func Build(req *Request, sender Sender) (*Message, error) {
	msg := &Message{
		ID:              newMessageID(sender.Email),
		EnvelopeFrom:    sender.Email,
		Recipients:      []string{req.To},
		From:            FormatAddress(sender.Name, sender.Email),
		To:              req.To,
		Subject:         req.Subject,
		HTML:            req.HTML,
		AttachmentCount: len(req.Attachments),
	}

	var buf bytes.Buffer
	writeHeader(&buf, "From", msg.From)
	writeHeader(&buf, "To", req.To)
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", req.Subject))
	writeHeader(&buf, "Date", time.Now().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", msg.ID)
	writeHeader(&buf, "MIME-Version", "1.0")

	if len(req.Attachments) == 0 {
		writeHeader(&buf, "Content-Type", bodyContentType(req.HTML))
		writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQuotedPrintable(&buf, req.Body); err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}
		msg.Raw = buf.Bytes()
		return msg, nil
	}

	writer := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{
		"boundary": writer.Boundary(),
	}))
	buf.WriteString("\r\n")

	bodyHeader := make(textproto.MIMEHeader)
	bodyHeader.Set("Content-Type", bodyContentType(req.HTML))
	bodyHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := writer.CreatePart(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	var body bytes.Buffer
	if err := writeQuotedPrintable(&body, req.Body); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	if _, err := part.Write(body.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write body part: %w", err)
	}

	for _, att := range req.Attachments {
		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", attachmentContentType(att))
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition", attachmentDisposition(att.Filename))

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(encodeBase64WithLineBreaks(att.Content))); err != nil {
			return nil, fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	msg.Raw = buf.Bytes()
	return msg, nil
}

// FormatAddress renders a From header value: "Name <addr>" when a name is
// given, otherwise the bare address. Names that are not a plain ASCII
// phrase are quoted or RFC 2047 encoded.
func FormatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	if isPlainPhrase(name) {
		return name + " <" + addr + ">"
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

func isPlainPhrase(s string) bool {
	if strings.TrimSpace(s) != s {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ':
		case strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", r):
		default:
			return false
		}
	}
	return true
}

func bodyContentType(html bool) string {
	if html {
		return "text/html; charset=UTF-8"
	}
	return "text/plain; charset=UTF-8"
}

func attachmentContentType(att Attachment) string {
	ct := att.ContentType
	if ct == "" {
		ct = DefaultContentType
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		mediaType, params = DefaultContentType, map[string]string{}
	}
	params["name"] = att.Filename
	if formatted := mime.FormatMediaType(mediaType, params); formatted != "" {
		return formatted
	}
	return DefaultContentType
}

func attachmentDisposition(filename string) string {
	for _, r := range filename {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
		}
	}
	return fmt.Sprintf("attachment; filename=%q", filename)
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	fmt.Fprintf(buf, "%s: %s\r\n", key, value)
}

func writeQuotedPrintable(buf *bytes.Buffer, s string) error {
	qp := quotedprintable.NewWriter(buf)
	if _, err := qp.Write([]byte(s)); err != nil {
		return err
	}
	return qp.Close()
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += base64LineLength {
		end := min(i+base64LineLength, len(encoded))
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}

func newMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
