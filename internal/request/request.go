// Package request turns a raw JSON send request into a validated
// email.Request. Validation is pure: it never touches the network, so an
// invalid request is rejected before any provider connection is opened.
package request

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/xeipuuv/gojsonschema"

	"github.com/shineum/smtp-send-api/internal/email"
)

const (
	defaultMaxAttachments         = 10
	defaultMaxAttachmentSize      = 10 << 20
	defaultMaxTotalAttachmentSize = 20 << 20
)

// Options bounds what a single request may carry. A zero limit disables
// that check.
type Options struct {
	MaxAttachments         int
	MaxAttachmentSize      int64
	MaxTotalAttachmentSize int64

	// SanitizeHTML strips unsafe markup from HTML bodies.
	SanitizeHTML bool
}

// DefaultOptions returns the limits used when the operator sets none.
func DefaultOptions() Options {
	return Options{
		MaxAttachments:         defaultMaxAttachments,
		MaxAttachmentSize:      defaultMaxAttachmentSize,
		MaxTotalAttachmentSize: defaultMaxTotalAttachmentSize,
	}
}

type payload struct {
	To          string              `json:"to"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	HTML        *bool               `json:"html"`
	FromName    *string             `json:"from_name"`
	FromEmail   *string             `json:"from_email"`
	Attachments []attachmentPayload `json:"attachments"`
}

type attachmentPayload struct {
	Filename      string  `json:"filename"`
	ContentBase64 string  `json:"content_base64"`
	MimeType      *string `json:"mime_type"`
}

// Validator validates send requests. It is safe for concurrent use.
type Validator struct {
	opts   Options
	schema *gojsonschema.Schema
	policy *bluemonday.Policy
}

// NewValidator creates a Validator enforcing opts.
func NewValidator(opts Options) *Validator {
	v := &Validator{
		opts:   opts,
		schema: compileSchema(),
	}
	if opts.SanitizeHTML {
		v.policy = bluemonday.UGCPolicy()
	}
	return v
}

// Parse validates raw and returns the request it describes. On failure the
// error is an *email.ValidationError naming the first offending field in
// the order to, subject, body, html, from_name, from_email, attachments.
// Structural and content checks are ranked together.
func (v *Validator) Parse(raw []byte) (*email.Request, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &email.ValidationError{Field: "request", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, &email.ValidationError{Field: "request", Reason: "must be a JSON object"}
	}

	result, err := v.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, &email.ValidationError{Field: "request", Reason: err.Error()}
	}

	var errs []fieldError
	for _, desc := range result.Errors() {
		segments := errorSegments(desc)
		errs = append(errs, fieldError{segments: segments, reason: schemaReason(desc, segments)})
	}
	attachments, contentErrs := v.checkContent(obj)
	errs = append(errs, contentErrs...)
	if len(errs) > 0 {
		return nil, firstError(errs)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &email.ValidationError{Field: "request", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	return v.build(&p, attachments), nil
}

// checkContent runs the checks the schema cannot express on every field
// that has the right type. Mistyped fields are left to the schema.
func (v *Validator) checkContent(obj map[string]any) ([]email.Attachment, []fieldError) {
	var errs []fieldError

	if to, ok := obj["to"].(string); ok && !email.ValidAddress(to) {
		errs = append(errs, fieldError{segments: []string{"to"}, reason: "invalid email address"})
	}
	if from, ok := obj["from_email"].(string); ok && !email.ValidAddress(from) {
		errs = append(errs, fieldError{segments: []string{"from_email"}, reason: "invalid email address"})
	}

	items, ok := obj["attachments"].([]any)
	if !ok {
		return nil, errs
	}
	if v.opts.MaxAttachments > 0 && len(items) > v.opts.MaxAttachments {
		return nil, append(errs, fieldError{
			segments: []string{"attachments"},
			reason:   fmt.Sprintf("too many attachments (max %d)", v.opts.MaxAttachments),
		})
	}

	attachments := make([]email.Attachment, 0, len(items))
	var total int64
	decoded := true
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			decoded = false
			continue
		}
		att, err := v.decodeAttachment(i, m)
		if err != nil {
			errs = append(errs, *err)
			decoded = false
			continue
		}
		total += int64(len(att.Content))
		attachments = append(attachments, att)
	}

	if decoded && v.opts.MaxTotalAttachmentSize > 0 && total > v.opts.MaxTotalAttachmentSize {
		errs = append(errs, fieldError{
			segments: []string{"attachments"},
			reason:   fmt.Sprintf("total attachment size exceeds %d bytes", v.opts.MaxTotalAttachmentSize),
		})
	}

	return attachments, errs
}

// build assembles a request that passed every check.
func (v *Validator) build(p *payload, attachments []email.Attachment) *email.Request {
	req := &email.Request{
		To:       p.To,
		Subject:  p.Subject,
		Body:     p.Body,
		FromName: p.FromName,
	}
	if p.HTML != nil {
		req.HTML = *p.HTML
	}
	if p.FromEmail != nil {
		req.FromEmail = *p.FromEmail
	}
	if len(attachments) > 0 {
		req.Attachments = attachments
	}

	if req.HTML && v.policy != nil {
		req.Body = v.policy.Sanitize(req.Body)
	}

	return req
}

// decodeAttachment checks one attachment object. A mistyped member yields
// a nil error and a zero attachment; the schema reports it.
func (v *Validator) decodeAttachment(i int, m map[string]any) (email.Attachment, *fieldError) {
	fail := func(name, reason string) (email.Attachment, *fieldError) {
		return email.Attachment{}, &fieldError{
			segments: []string{"attachments", strconv.Itoa(i), name},
			reason:   reason,
		}
	}

	filename, _ := m["filename"].(string)
	encoded, ok := m["content_base64"].(string)
	if !ok {
		return email.Attachment{}, nil
	}

	content, err := decodeBase64(encoded)
	if err != nil {
		return fail("content_base64", "invalid base64 content")
	}
	if v.opts.MaxAttachmentSize > 0 && int64(len(content)) > v.opts.MaxAttachmentSize {
		return fail("content_base64", fmt.Sprintf("decoded size exceeds %d bytes", v.opts.MaxAttachmentSize))
	}

	contentType := email.DefaultContentType
	if raw, ok := m["mime_type"].(string); ok && raw != "" {
		mediaType, params, err := mime.ParseMediaType(raw)
		if err != nil || !strings.Contains(mediaType, "/") {
			return fail("mime_type", "invalid media type")
		}
		contentType = mime.FormatMediaType(mediaType, params)
	}

	return email.Attachment{
		Filename:    filename,
		ContentType: contentType,
		Content:     content,
	}, nil
}

// decodeBase64 decodes standard base64, with or without padding. Line
// breaks from wrapped input are ignored. Non-zero trailing bits are
// rejected so the bytes re-encode to the input.
func decodeBase64(s string) ([]byte, error) {
	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(s)
	if strings.HasSuffix(cleaned, "=") || len(cleaned)%4 == 0 {
		return base64.StdEncoding.Strict().DecodeString(cleaned)
	}
	return base64.RawStdEncoding.Strict().DecodeString(cleaned)
}

type fieldError struct {
	segments []string
	reason   string
}

func firstError(errs []fieldError) *email.ValidationError {
	if len(errs) == 0 {
		return &email.ValidationError{Field: "request", Reason: "invalid request"}
	}

	ranked := slices.Clone(errs)
	sort.SliceStable(ranked, func(i, j int) bool {
		return lessRank(rank(ranked[i].segments), rank(ranked[j].segments))
	})

	first := ranked[0]
	return &email.ValidationError{Field: formatField(first.segments), Reason: first.reason}
}

func errorSegments(desc gojsonschema.ResultError) []string {
	var segments []string
	if field := desc.Field(); field != "" && field != gojsonschema.STRING_CONTEXT_ROOT {
		segments = strings.Split(field, ".")
	}
	if desc.Type() == "required" {
		prop, ok := desc.Details()["property"].(string)
		if ok && (len(segments) == 0 || segments[len(segments)-1] != prop) {
			segments = append(segments, prop)
		}
	}
	return segments
}

func schemaReason(desc gojsonschema.ResultError, segments []string) string {
	switch desc.Type() {
	case "required":
		return "required field missing"
	case "invalid_type":
		return "must be " + expectedType(segments)
	case "string_gte":
		return "must not be empty"
	default:
		return desc.Description()
	}
}

func expectedType(segments []string) string {
	if len(segments) == 0 {
		return "an object"
	}
	last := segments[len(segments)-1]
	if isIndex(last) {
		return "an object"
	}
	if t, ok := expectedTypes[last]; ok {
		return t
	}
	return "a string"
}

// rank orders a path by top-level field, attachment index, then attachment field.
func rank(segments []string) [3]int {
	r := [3]int{len(fieldOrder), -1, -1}
	if len(segments) == 0 {
		r[0] = -1
		return r
	}
	if pos, ok := fieldOrder[segments[0]]; ok {
		r[0] = pos
	}
	if len(segments) > 1 && isIndex(segments[1]) {
		r[1], _ = strconv.Atoi(segments[1])
	}
	if len(segments) > 2 {
		r[2] = len(attachmentFieldOrder)
		if pos, ok := attachmentFieldOrder[segments[2]]; ok {
			r[2] = pos
		}
	}
	return r
}

func lessRank(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// formatField renders ["attachments","0","filename"] as "attachments[0].filename".
func formatField(segments []string) string {
	if len(segments) == 0 {
		return "request"
	}
	var b strings.Builder
	for _, seg := range segments {
		switch {
		case isIndex(seg):
			b.WriteString("[" + seg + "]")
		case b.Len() > 0:
			b.WriteString("." + seg)
		default:
			b.WriteString(seg)
		}
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
