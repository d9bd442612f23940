package request

import (
	"github.com/xeipuuv/gojsonschema"
)

// requestSchema describes the structure of a send request. Semantic checks
// (address shape, base64, limits) run after the schema passes.
const requestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["to", "subject", "body"],
  "properties": {
    "to":         {"type": "string"},
    "subject":    {"type": "string"},
    "body":       {"type": "string"},
    "html":       {"type": ["boolean", "null"]},
    "from_name":  {"type": ["string", "null"]},
    "from_email": {"type": ["string", "null"]},
    "attachments": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["filename", "content_base64"],
        "properties": {
          "filename":       {"type": "string", "minLength": 1},
          "content_base64": {"type": "string"},
          "mime_type":      {"type": ["string", "null"]}
        }
      }
    }
  }
}`

// fieldOrder ranks top-level fields so that the first offending field is
// reported deterministically regardless of schema evaluation order.
var fieldOrder = map[string]int{
	"to":          0,
	"subject":     1,
	"body":        2,
	"html":        3,
	"from_name":   4,
	"from_email":  5,
	"attachments": 6,
}

var attachmentFieldOrder = map[string]int{
	"filename":       0,
	"content_base64": 1,
	"mime_type":      2,
}

// expectedTypes maps the last path segment to a readable type description.
var expectedTypes = map[string]string{
	"html":        "a boolean",
	"attachments": "an array",
}

func compileSchema() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(requestSchema))
	if err != nil {
		panic("request: invalid request schema: " + err.Error())
	}
	return schema
}
