package request

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-send-api/internal/email"
)

func requireFieldError(t *testing.T, err error, field string) *email.ValidationError {
	t.Helper()
	var vErr *email.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, field, vErr.Field)
	return vErr
}

func TestParse_Minimal(t *testing.T) {
	t.Parallel()

	v := NewValidator(DefaultOptions())
	req, err := v.Parse([]byte(`{"to":"a@b.com","subject":"Hi","body":"hello"}`))
	require.NoError(t, err)

	assert.Equal(t, "a@b.com", req.To)
	assert.Equal(t, "Hi", req.Subject)
	assert.Equal(t, "hello", req.Body)
	assert.False(t, req.HTML)
	assert.Nil(t, req.FromName)
	assert.Empty(t, req.FromEmail)
	assert.Empty(t, req.Attachments)
}

func TestParse_AllFields(t *testing.T) {
	t.Parallel()

	content := []byte("%PDF-1.4 fake")
	body := `{
		"to": "a@b.com",
		"subject": "Report",
		"body": "<p>see attached</p>",
		"html": true,
		"from_name": "Reports",
		"from_email": "reports@example.com",
		"attachments": [
			{"filename": "r.pdf", "content_base64": "` + base64.StdEncoding.EncodeToString(content) + `", "mime_type": "application/pdf"},
			{"filename": "blob.bin", "content_base64": "AAEC"}
		]
	}`

	v := NewValidator(DefaultOptions())
	req, err := v.Parse([]byte(body))
	require.NoError(t, err)

	assert.True(t, req.HTML)
	require.NotNil(t, req.FromName)
	assert.Equal(t, "Reports", *req.FromName)
	assert.Equal(t, "reports@example.com", req.FromEmail)
	require.Len(t, req.Attachments, 2)
	assert.Equal(t, "r.pdf", req.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", req.Attachments[0].ContentType)
	assert.Equal(t, content, req.Attachments[0].Content)
	assert.Equal(t, email.DefaultContentType, req.Attachments[1].ContentType)
	assert.Equal(t, []byte{0, 1, 2}, req.Attachments[1].Content)
}

func TestParse_NullsAreAbsent(t *testing.T) {
	t.Parallel()

	v := NewValidator(DefaultOptions())
	req, err := v.Parse([]byte(`{"to":"a@b.com","subject":"s","body":"b","html":null,"from_name":null,"from_email":null,"attachments":null}`))
	require.NoError(t, err)

	assert.False(t, req.HTML)
	assert.Empty(t, req.FromEmail)
	assert.Empty(t, req.Attachments)

	req, err = v.Parse([]byte(`{"to":"a@b.com","subject":"s","body":"b","attachments":[{"filename":"x","content_base64":"eA==","mime_type":null}]}`))
	require.NoError(t, err)
	require.Len(t, req.Attachments, 1)
	assert.Equal(t, email.DefaultContentType, req.Attachments[0].ContentType)
}

func TestParse_StructuralErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantField  string
		wantReason string
	}{
		{name: "invalid json", body: `{"to":`, wantField: "request"},
		{name: "not an object", body: `["a@b.com"]`, wantField: "request", wantReason: "must be a JSON object"},
		{name: "missing to", body: `{"subject":"s","body":"b"}`, wantField: "to", wantReason: "required field missing"},
		{name: "missing subject", body: `{"to":"a@b.com","body":"b"}`, wantField: "subject", wantReason: "required field missing"},
		{name: "missing body", body: `{"to":"a@b.com","subject":"s"}`, wantField: "body", wantReason: "required field missing"},
		{name: "missing everything reports to first", body: `{}`, wantField: "to", wantReason: "required field missing"},
		{name: "to wrong type", body: `{"to":42,"subject":"s","body":"b"}`, wantField: "to", wantReason: "must be a string"},
		{name: "html wrong type", body: `{"to":"a@b.com","subject":"s","body":"b","html":"yes"}`, wantField: "html", wantReason: "must be a boolean"},
		{name: "attachments wrong type", body: `{"to":"a@b.com","subject":"s","body":"b","attachments":{}}`, wantField: "attachments", wantReason: "must be an array"},
		{name: "attachment not object", body: `{"to":"a@b.com","subject":"s","body":"b","attachments":["x"]}`, wantField: "attachments[0]", wantReason: "must be an object"},
		{name: "attachment missing filename", body: `{"to":"a@b.com","subject":"s","body":"b","attachments":[{"content_base64":"eA=="}]}`, wantField: "attachments[0].filename", wantReason: "required field missing"},
		{name: "attachment missing content", body: `{"to":"a@b.com","subject":"s","body":"b","attachments":[{"filename":"x"}]}`, wantField: "attachments[0].content_base64", wantReason: "required field missing"},
		{name: "attachment empty filename", body: `{"to":"a@b.com","subject":"s","body":"b","attachments":[{"filename":"","content_base64":"eA=="}]}`, wantField: "attachments[0].filename", wantReason: "must not be empty"},
		{name: "second attachment broken", body: `{"to":"a@b.com","subject":"s","body":"b","attachments":[{"filename":"ok","content_base64":"eA=="},{"filename":"x","content_base64":7}]}`, wantField: "attachments[1].content_base64", wantReason: "must be a string"},
	}

	v := NewValidator(DefaultOptions())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := v.Parse([]byte(tt.body))
			vErr := requireFieldError(t, err, tt.wantField)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, vErr.Reason)
			}
		})
	}
}

func TestParse_FirstOffendingFieldIsStable(t *testing.T) {
	t.Parallel()

	v := NewValidator(DefaultOptions())
	body := []byte(`{"to":1,"subject":2,"body":3,"html":"x","attachments":"y"}`)
	for range 20 {
		_, err := v.Parse(body)
		requireFieldError(t, err, "to")
	}
}

func TestParse_ContentAndTypeErrorsRankedTogether(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{
			name:      "bad to before mistyped html",
			body:      `{"to":"not-an-address","subject":"s","body":"b","html":"yes"}`,
			wantField: "to",
		},
		{
			name:      "bad from_email before mistyped attachments",
			body:      `{"to":"a@b.com","subject":"s","body":"b","from_email":"nope","attachments":"y"}`,
			wantField: "from_email",
		},
		{
			name:      "missing subject before bad from_email",
			body:      `{"to":"a@b.com","body":"b","from_email":"nope"}`,
			wantField: "subject",
		},
		{
			name: "bad base64 in first attachment before missing filename in second",
			body: `{"to":"a@b.com","subject":"s","body":"b","attachments":[
				{"filename":"a","content_base64":"not-base64!"},
				{"content_base64":"eA=="}]}`,
			wantField: "attachments[0].content_base64",
		},
		{
			name: "missing filename before bad mime type in same attachment",
			body: `{"to":"a@b.com","subject":"s","body":"b","attachments":[
				{"content_base64":"eA==","mime_type":"plain"}]}`,
			wantField: "attachments[0].filename",
		},
	}

	v := NewValidator(DefaultOptions())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for range 5 {
				_, err := v.Parse([]byte(tt.body))
				requireFieldError(t, err, tt.wantField)
			}
		})
	}
}

func TestParse_Addresses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{name: "empty to", body: `{"to":"","subject":"s","body":"b"}`, wantField: "to"},
		{name: "malformed to", body: `{"to":"not-an-address","subject":"s","body":"b"}`, wantField: "to"},
		{name: "display name in to", body: `{"to":"Bob <bob@example.com>","subject":"s","body":"b"}`, wantField: "to"},
		{name: "malformed from_email", body: `{"to":"a@b.com","subject":"s","body":"b","from_email":"nope"}`, wantField: "from_email"},
		{name: "empty from_email", body: `{"to":"a@b.com","subject":"s","body":"b","from_email":""}`, wantField: "from_email"},
	}

	v := NewValidator(DefaultOptions())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := v.Parse([]byte(tt.body))
			requireFieldError(t, err, tt.wantField)
		})
	}
}

func TestParse_InvalidBase64(t *testing.T) {
	t.Parallel()

	v := NewValidator(DefaultOptions())
	body := []byte(`{"to":"a@b.com","subject":"s","body":"b","attachments":[{"filename":"x.bin","content_base64":"not-base64!"}]}`)

	_, first := v.Parse(body)
	requireFieldError(t, first, "attachments[0].content_base64")

	_, second := v.Parse(body)
	assert.Equal(t, first.Error(), second.Error())

	// Non-zero trailing bits would not re-encode to the same text.
	for _, encoded := range []string{"aGl=", "aGl", "YR==", "aGk=x"} {
		_, err := v.Parse([]byte(`{"to":"a@b.com","subject":"s","body":"b","attachments":[{"filename":"x","content_base64":"` + encoded + `"}]}`))
		requireFieldError(t, err, "attachments[0].content_base64")
	}
}

func TestParse_DecodedBytesReencode(t *testing.T) {
	t.Parallel()

	v := NewValidator(DefaultOptions())
	for _, encoded := range []string{"aGk=", "aGk", "AAEC", "YQ==", ""} {
		req, err := v.Parse([]byte(`{"to":"a@b.com","subject":"s","body":"b","attachments":[{"filename":"x","content_base64":"` + encoded + `"}]}`))
		require.NoError(t, err, encoded)
		require.Len(t, req.Attachments, 1)
		got := base64.StdEncoding.EncodeToString(req.Attachments[0].Content)
		assert.Equal(t, strings.TrimRight(encoded, "="), strings.TrimRight(got, "="), encoded)
	}
}

func TestParse_EmptyFromNameIsKept(t *testing.T) {
	t.Parallel()

	v := NewValidator(DefaultOptions())
	req, err := v.Parse([]byte(`{"to":"a@b.com","subject":"s","body":"b","from_name":""}`))
	require.NoError(t, err)
	require.NotNil(t, req.FromName)
	assert.Empty(t, *req.FromName)
}

func TestParse_Base64Variants(t *testing.T) {
	t.Parallel()

	want := []byte("hello world!!")
	padded := base64.StdEncoding.EncodeToString(want)
	wrapped := padded[:8] + "\r\n" + padded[8:]

	tests := []struct {
		name    string
		encoded string
	}{
		{name: "padded", encoded: padded},
		{name: "unpadded", encoded: base64.RawStdEncoding.EncodeToString(want)},
		{name: "wrapped", encoded: strings.ReplaceAll(wrapped, "\r\n", `\r\n`)},
	}

	v := NewValidator(DefaultOptions())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body := `{"to":"a@b.com","subject":"s","body":"b","attachments":[{"filename":"x","content_base64":"` + tt.encoded + `"}]}`
			req, err := v.Parse([]byte(body))
			require.NoError(t, err)
			require.Len(t, req.Attachments, 1)
			assert.Equal(t, want, req.Attachments[0].Content)
		})
	}
}

func TestParse_MimeType(t *testing.T) {
	t.Parallel()

	v := NewValidator(DefaultOptions())
	attach := func(mimeType string) []byte {
		return []byte(`{"to":"a@b.com","subject":"s","body":"b","attachments":[{"filename":"x","content_base64":"eA==","mime_type":"` + mimeType + `"}]}`)
	}

	req, err := v.Parse(attach("Text/CSV; charset=utf-8"))
	require.NoError(t, err)
	assert.Equal(t, "text/csv; charset=utf-8", req.Attachments[0].ContentType)

	_, err = v.Parse(attach("not a type"))
	requireFieldError(t, err, "attachments[0].mime_type")

	_, err = v.Parse(attach("plain"))
	requireFieldError(t, err, "attachments[0].mime_type")
}

func TestParse_Limits(t *testing.T) {
	t.Parallel()

	opts := Options{MaxAttachments: 2, MaxAttachmentSize: 4, MaxTotalAttachmentSize: 6}
	v := NewValidator(opts)

	four := base64.StdEncoding.EncodeToString([]byte("abcd"))
	five := base64.StdEncoding.EncodeToString([]byte("abcde"))
	item := func(content string) string {
		return `{"filename":"x","content_base64":"` + content + `"}`
	}
	wrap := func(items ...string) []byte {
		return []byte(`{"to":"a@b.com","subject":"s","body":"b","attachments":[` + strings.Join(items, ",") + `]}`)
	}

	_, err := v.Parse(wrap(item(four)))
	require.NoError(t, err)

	_, err = v.Parse(wrap(item(five)))
	requireFieldError(t, err, "attachments[0].content_base64")

	_, err = v.Parse(wrap(item(four), item(four)))
	requireFieldError(t, err, "attachments")

	_, err = v.Parse(wrap(item(four), item(four), item(four)))
	vErr := requireFieldError(t, err, "attachments")
	assert.Contains(t, vErr.Reason, "too many")

	unlimited := NewValidator(Options{})
	_, err = unlimited.Parse(wrap(item(five), item(five), item(five)))
	require.NoError(t, err)
}

func TestParse_SanitizeHTML(t *testing.T) {
	t.Parallel()

	body := []byte(`{"to":"a@b.com","subject":"s","body":"<p>hi</p><script>alert(1)</script>","html":true}`)

	raw := NewValidator(DefaultOptions())
	req, err := raw.Parse(body)
	require.NoError(t, err)
	assert.Contains(t, req.Body, "<script>")

	opts := DefaultOptions()
	opts.SanitizeHTML = true
	sanitized := NewValidator(opts)
	req, err = sanitized.Parse(body)
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", req.Body)

	plain := []byte(`{"to":"a@b.com","subject":"s","body":"<script>x</script>"}`)
	req, err = sanitized.Parse(plain)
	require.NoError(t, err)
	assert.Equal(t, "<script>x</script>", req.Body)
}
