package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/psantana5/playscope/pkg/models"
)

// Description is the structured output of Describe
type Description struct {
	Summary  string   `json:"summary"`
	Tags     []string `json:"tags"`
	Audience string   `json:"audience,omitempty"`
}

const descriptionSchemaJSON = `{
  "type": "object",
  "required": ["summary", "tags"],
  "additionalProperties": false,
  "properties": {
    "summary": {"type": "string", "minLength": 1, "maxLength": 2000},
    "tags": {
      "type": "array",
      "maxItems": 10,
      "items": {"type": "string", "minLength": 1, "maxLength": 40}
    },
    "audience": {"type": "string", "maxLength": 200}
  }
}`

type descriptionSchema struct {
	schema *jsonschema.Schema
}

func compileDescriptionSchema() (*descriptionSchema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("description.json", strings.NewReader(descriptionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("description.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &descriptionSchema{schema: schema}, nil
}

// parse validates raw model output and decodes it
func (s *descriptionSchema) parse(raw string) (*Description, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponseFormat, err)
	}
	if err := s.schema.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponseFormat, err)
	}

	var d Description
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponseFormat, err)
	}
	return &d, nil
}

func describePrompt(exp *models.Experience) string {
	var b strings.Builder
	b.WriteString("You write catalogue copy for online game experiences.\n")
	b.WriteString("Reply with a JSON object: {\"summary\": string, \"tags\": [string], \"audience\": string}.\n")
	b.WriteString("The summary is two or three sentences about what players do. Tags are short genre or mechanic words.\n\n")
	fmt.Fprintf(&b, "Name: %s\n", exp.Name)
	if exp.Genre != "" {
		fmt.Fprintf(&b, "Genre: %s\n", exp.Genre)
	}
	if exp.Creator != "" {
		fmt.Fprintf(&b, "Creator: %s\n", exp.Creator)
	}
	fmt.Fprintf(&b, "Visits: %d\n", exp.Visits)
	if exp.Description != "" {
		fmt.Fprintf(&b, "Creator description:\n%s\n", exp.Description)
	}
	return b.String()
}

// Describe asks the chat model for a structured description of exp
func (c *Client) Describe(ctx context.Context, exp *models.Experience) (*Description, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.cfg.ChatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(c.clip(describePrompt(exp))),
		},
		Temperature: openai.Float(c.cfg.Temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	}

	d, err := call(ctx, c, func() (*Description, error) {
		completion, err := c.api.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, err
		}
		if len(completion.Choices) == 0 {
			return nil, fmt.Errorf("%w: no completion choices returned", ErrInvalidResponseFormat)
		}
		return c.schema.parse(completion.Choices[0].Message.Content)
	})
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", exp.UniverseID, err)
	}
	return d, nil
}
