package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"StoryToComic-server/models"

	"github.com/xeipuuv/gojsonschema"
)

var stepsSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["steps"],
  "properties": {
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["indices", "description"],
        "properties": {
          "indices": {"type": "array", "minItems": 1, "items": {"type": "integer", "minimum": 0}},
          "description": {"type": "string"}
        }
      }
    }
  }
}`)

var captionsSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["captions"],
  "properties": {
    "captions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["title", "content"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "content": {"type": "string"},
          "tags": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`)

type stepGroup struct {
	Indices     []int  `json:"indices"`
	Description string `json:"description"`
}

// stripFences 去掉模型常见的 ```json 包裹
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// normalizeDoc wraps a bare top-level array under key.
func normalizeDoc(text, key string) string {
	raw := stripFences(text)
	if strings.HasPrefix(raw, "[") {
		return `{"` + key + `":` + raw + `}`
	}
	return raw
}

func validate(schema gojsonschema.JSONLoader, doc string) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewStringLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: not valid JSON: %v", ErrFormat, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrFormat, strings.Join(msgs, "; "))
	}
	return nil
}

// parseSteps maps step groups onto one description per frame. Frames no group names keep
// an empty description; out-of-range indices are ignored.
func parseSteps(text string, frames int) ([]string, error) {
	doc := normalizeDoc(text, "steps")
	if err := validate(stepsSchema, doc); err != nil {
		return nil, err
	}
	var out struct {
		Steps []stepGroup `json:"steps"`
	}
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	descs := make([]string, frames)
	matched := 0
	for _, g := range out.Steps {
		for _, i := range g.Indices {
			if i >= 0 && i < frames {
				descs[i] = strings.TrimSpace(g.Description)
				matched++
			}
		}
	}
	if matched == 0 {
		return nil, fmt.Errorf("%w: no step refers to an existing frame", ErrFormat)
	}
	return descs, nil
}

func parseCaptions(text string) ([]models.Caption, error) {
	doc := normalizeDoc(text, "captions")
	if err := validate(captionsSchema, doc); err != nil {
		return nil, err
	}
	var out struct {
		Captions []models.Caption `json:"captions"`
	}
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return out.Captions, nil
}
