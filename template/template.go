// Package template implements the declarative mapping between free-form chat
// messages and a target's protocol-specific JSON bodies. A request template
// describes where the outgoing message is injected into a prototype document;
// a response template describes where the reply text, token usage and error
// message are read from the raw response.
package template

import (
	"fmt"

	"github.com/krawall/krawall/jsonpath"
)

type (
	// RequestTemplate describes how to build a protocol body from a message.
	RequestTemplate struct {
		// MessagePath locates the slot the outgoing message is written to.
		MessagePath string `json:"messagePath" yaml:"messagePath"`
		// Structure is the prototype document cloned for every request.
		Structure map[string]any `json:"structure" yaml:"structure"`
		// Variables maps names to values substituted wherever a string in
		// Structure equals "${name}" or the bare name.
		Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
	}

	// ResponseTemplate describes how to read a reply out of a raw response.
	ResponseTemplate struct {
		ResponsePath   string    `json:"responsePath" yaml:"responsePath"`
		TokenUsagePath string    `json:"tokenUsagePath,omitempty" yaml:"tokenUsagePath,omitempty"`
		ErrorPath      string    `json:"errorPath,omitempty" yaml:"errorPath,omitempty"`
		Transform      Transform `json:"transform,omitempty" yaml:"transform,omitempty"`
	}

	// Transform names an optional post-processing step applied to extracted
	// reply text.
	Transform string

	// ResponseShapeError reports that the response path did not resolve
	// against the raw response document.
	ResponseShapeError struct {
		Path string
	}
)

// Supported transforms.
const (
	TransformNone          Transform = ""
	TransformMarkdownStrip Transform = "markdown-strip"
	TransformHTMLStrip     Transform = "html-strip"
)

// Error implements error.
func (e *ResponseShapeError) Error() string {
	return fmt.Sprintf("response path %q did not resolve", e.Path)
}

// Validate checks the template for use by a send-capable connector.
func (t *RequestTemplate) Validate() error {
	if t == nil {
		return fmt.Errorf("request template is required")
	}
	if _, err := jsonpath.Parse(t.MessagePath); err != nil {
		return fmt.Errorf("invalid message path %q: %w", t.MessagePath, err)
	}
	return nil
}

// Validate checks the response template paths parse.
func (t *ResponseTemplate) Validate() error {
	if t == nil {
		return nil
	}
	if _, err := jsonpath.Parse(t.ResponsePath); err != nil {
		return fmt.Errorf("invalid response path %q: %w", t.ResponsePath, err)
	}
	switch t.Transform {
	case TransformNone, TransformMarkdownStrip, TransformHTMLStrip:
	default:
		return fmt.Errorf("unknown transform %q", t.Transform)
	}
	return nil
}

// BuildRequest deep-clones the template structure, writes msg at the message
// path and substitutes variables. The template itself is never mutated.
func BuildRequest(msg string, t *RequestTemplate) (map[string]any, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	path := jsonpath.MustParse(t.MessagePath)
	body := Clone(t.Structure)
	root := path.Set(any(body), msg)
	out, ok := root.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("message path %q does not address an object body", t.MessagePath)
	}
	for name, value := range t.Variables {
		substitute(out, "${"+name+"}", value)
		substitute(out, name, value)
	}
	return out, nil
}

// ExtractResponse reads the reply text at the response path and applies the
// configured transform. A non-resolving path yields *ResponseShapeError.
func ExtractResponse(raw any, t *ResponseTemplate) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	v, ok := jsonpath.MustParse(t.ResponsePath).Lookup(raw)
	if !ok {
		return "", &ResponseShapeError{Path: t.ResponsePath}
	}
	text := stringify(v)
	switch t.Transform {
	case TransformMarkdownStrip:
		text = stripMarkdown(text)
	case TransformHTMLStrip:
		text = stripHTML(text)
	}
	return text, nil
}

// ExtractTokens returns the usage object at the token usage path, unchanged.
// The boolean reports whether the path was configured and resolved.
func ExtractTokens(raw any, t *ResponseTemplate) (any, bool) {
	if t == nil || t.TokenUsagePath == "" {
		return nil, false
	}
	p, err := jsonpath.Parse(t.TokenUsagePath)
	if err != nil {
		return nil, false
	}
	return p.Lookup(raw)
}

// ExtractError returns the error string at the error path, if configured and
// present.
func ExtractError(raw any, t *ResponseTemplate) (string, bool) {
	if t == nil || t.ErrorPath == "" {
		return "", false
	}
	p, err := jsonpath.Parse(t.ErrorPath)
	if err != nil {
		return "", false
	}
	v, ok := p.Lookup(raw)
	if !ok || v == nil {
		return "", false
	}
	return stringify(v), true
}

// Clone deep-copies a JSON document made of maps, slices and scalars.
func Clone(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	return cloneValue(doc).(map[string]any)
}

func cloneValue(v any) any {
	switch n := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, child := range n {
			out[k] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, child := range n {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return v
	}
}

func substitute(node any, match, value string) {
	switch n := node.(type) {
	case map[string]any:
		for k, child := range n {
			if s, ok := child.(string); ok {
				if s == match {
					n[k] = value
				}
				continue
			}
			substitute(child, match, value)
		}
	case []any:
		for i, child := range n {
			if s, ok := child.(string); ok {
				if s == match {
					n[i] = value
				}
				continue
			}
			substitute(child, match, value)
		}
	}
}

func stringify(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", n)
	}
}
