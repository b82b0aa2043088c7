package measure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/driftlab/driftd"
	"github.com/driftlab/driftd/yaml"
)

// ConstantBuilder builds measurements that return a fixed value from
// the manifest. Useful for calibration constants and for pinning graph
// roots in tests.
type ConstantBuilder struct{}

// Metadata returns the measurement metadata.
func (b *ConstantBuilder) Metadata() Metadata {
	return Metadata{
		Type:        "constant",
		Category:    "core",
		Description: "Returns a fixed value declared in the manifest",
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"value"},
			"properties": map[string]any{
				"value": map[string]any{"description": "Value to return as the payload"},
			},
		},
	}
}

// Build creates the compute procedure.
func (b *ConstantBuilder) Build(def *yaml.FeatureDefinition) (driftd.ComputeFunc, error) {
	value := def.Config["value"]
	return func(ctx context.Context, parents map[string]*driftd.Record) (driftd.Computed, error) {
		return driftd.Computed{Payload: value}, nil
	}, nil
}

// CommandBuilder builds measurements that run an external program -
// the bridge to instrument-control executables and one-shot
// acquisition scripts.
type CommandBuilder struct{}

// Metadata returns the measurement metadata.
func (b *CommandBuilder) Metadata() Metadata {
	return Metadata{
		Type:        "command",
		Category:    "io",
		Description: "Runs an external command and captures its output",
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"command"},
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "Program to run"},
				"args": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"dir":     map[string]any{"type": "string", "description": "Working directory"},
				"timeout": map[string]any{"type": "string", "description": "Duration limit, e.g. 30s"},
				"stdin_parents": map[string]any{
					"type":        "boolean",
					"description": "Feed parent payloads to stdin as JSON keyed by role",
				},
				"parse_json": map[string]any{
					"type":        "boolean",
					"description": "Decode stdout as JSON instead of returning text",
				},
			},
		},
	}
}

// Build creates the compute procedure.
func (b *CommandBuilder) Build(def *yaml.FeatureDefinition) (driftd.ComputeFunc, error) {
	command, _ := def.Config["command"].(string)
	args, err := stringSlice(def.Config["args"])
	if err != nil {
		return nil, fmt.Errorf("args: %w", err)
	}
	dir, _ := def.Config["dir"].(string)
	stdinParents, _ := def.Config["stdin_parents"].(bool)
	parseJSON, _ := def.Config["parse_json"].(bool)

	var timeout time.Duration
	if raw, ok := def.Config["timeout"].(string); ok && raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
	}

	return func(ctx context.Context, parents map[string]*driftd.Record) (driftd.Computed, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, command, args...) // #nosec G204 - command comes from the operator's manifest
		cmd.Dir = dir

		if stdinParents {
			payloads := make(map[string]any, len(parents))
			for role, rec := range parents {
				payloads[role] = rec.Payload
			}
			data, err := oj.Marshal(payloads)
			if err != nil {
				return driftd.Computed{}, fmt.Errorf("encode parent payloads: %w", err)
			}
			cmd.Stdin = bytes.NewReader(data)
		}

		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return driftd.Computed{}, fmt.Errorf("command failed: %w: %s", err, msg)
			}
			return driftd.Computed{}, fmt.Errorf("command failed: %w", err)
		}

		meta := map[string]any{"command": command}
		if parseJSON {
			payload, err := oj.Parse(bytes.TrimSpace(out))
			if err != nil {
				return driftd.Computed{}, fmt.Errorf("decode command output: %w", err)
			}
			return driftd.Computed{Payload: payload, Meta: meta}, nil
		}
		return driftd.Computed{Payload: strings.TrimSpace(string(out)), Meta: meta}, nil
	}, nil
}

// HTTPBuilder builds measurements that fetch a value over HTTP, for
// instruments and services that expose their readings on an endpoint.
type HTTPBuilder struct {
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// Metadata returns the measurement metadata.
func (b *HTTPBuilder) Metadata() Metadata {
	return Metadata{
		Type:        "http",
		Category:    "io",
		Description: "Fetches the payload from an HTTP endpoint",
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"url"},
			"properties": map[string]any{
				"url":    map[string]any{"type": "string"},
				"method": map[string]any{"type": "string", "enum": []any{"GET", "POST", "PUT"}},
				"headers": map[string]any{
					"type":                 "object",
					"additionalProperties": map[string]any{"type": "string"},
				},
				"body":        map[string]any{"type": "string"},
				"timeout":     map[string]any{"type": "string"},
				"decode_json": map[string]any{"type": "boolean"},
			},
		},
	}
}

// Build creates the compute procedure.
func (b *HTTPBuilder) Build(def *yaml.FeatureDefinition) (driftd.ComputeFunc, error) {
	url, _ := def.Config["url"].(string)
	method, _ := def.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	body, _ := def.Config["body"].(string)

	decodeJSON := true
	if v, ok := def.Config["decode_json"].(bool); ok {
		decodeJSON = v
	}

	headers := make(map[string]string)
	if raw, ok := def.Config["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	client := b.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if raw, ok := def.Config["timeout"].(string); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		c := *client
		c.Timeout = d
		client = &c
	}

	return func(ctx context.Context, parents map[string]*driftd.Record) (driftd.Computed, error) {
		var reqBody io.Reader
		if body != "" {
			reqBody = strings.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return driftd.Computed{}, fmt.Errorf("build request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return driftd.Computed{}, fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return driftd.Computed{}, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return driftd.Computed{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		meta := map[string]any{"status": resp.StatusCode, "url": url}
		if decodeJSON {
			payload, err := oj.Parse(data)
			if err != nil {
				return driftd.Computed{}, fmt.Errorf("decode response: %w", err)
			}
			return driftd.Computed{Payload: payload, Meta: meta}, nil
		}
		return driftd.Computed{Payload: string(data), Meta: meta}, nil
	}, nil
}

// JSONPathBuilder builds measurements that extract part of a parent's
// payload with a JSONPath expression.
type JSONPathBuilder struct{}

// Metadata returns the measurement metadata.
func (b *JSONPathBuilder) Metadata() Metadata {
	return Metadata{
		Type:        "jsonpath",
		Category:    "data",
		Description: "Extracts a value from the source parent's payload",
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "JSONPath expression, e.g. $.fit.frequency"},
			},
		},
		Requires: []string{"source"},
	}
}

// Build creates the compute procedure.
func (b *JSONPathBuilder) Build(def *yaml.FeatureDefinition) (driftd.ComputeFunc, error) {
	pathStr, _ := def.Config["path"].(string)
	expr, err := jp.ParseString(pathStr)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", pathStr, err)
	}

	return func(ctx context.Context, parents map[string]*driftd.Record) (driftd.Computed, error) {
		source := parents["source"]
		results := expr.Get(source.Payload)

		meta := map[string]any{"path": pathStr, "source": source.ID}
		switch len(results) {
		case 0:
			return driftd.Computed{}, fmt.Errorf("path %q matched nothing in %s", pathStr, source.ID)
		case 1:
			return driftd.Computed{Payload: results[0], Meta: meta}, nil
		default:
			return driftd.Computed{Payload: results, Meta: meta}, nil
		}
	}, nil
}

// TemplateBuilder builds measurements that render a Go template over
// the parent payloads.
type TemplateBuilder struct{}

// Metadata returns the measurement metadata.
func (b *TemplateBuilder) Metadata() Metadata {
	return Metadata{
		Type:        "template",
		Category:    "data",
		Description: "Renders a Go template with parent payloads keyed by role",
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"template"},
			"properties": map[string]any{
				"template": map[string]any{"type": "string"},
			},
		},
	}
}

// Build creates the compute procedure. The template sees the parent
// payloads as {{.parents.<role>}}.
func (b *TemplateBuilder) Build(def *yaml.FeatureDefinition) (driftd.ComputeFunc, error) {
	raw, _ := def.Config["template"].(string)
	tmpl, err := template.New(def.Name).Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}

	return func(ctx context.Context, parents map[string]*driftd.Record) (driftd.Computed, error) {
		payloads := make(map[string]any, len(parents))
		for role, rec := range parents {
			payloads[role] = rec.Payload
		}

		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, map[string]any{"parents": payloads}); err != nil {
			return driftd.Computed{}, fmt.Errorf("render template: %w", err)
		}
		return driftd.Computed{Payload: buf.String()}, nil
	}, nil
}

// CombineBuilder builds measurements that merge all parent payloads
// into one map keyed by role - a cheap join node for fan-in shapes.
type CombineBuilder struct{}

// Metadata returns the measurement metadata.
func (b *CombineBuilder) Metadata() Metadata {
	return Metadata{
		Type:        "combine",
		Category:    "data",
		Description: "Merges parent payloads into a map keyed by role",
	}
}

// Build creates the compute procedure.
func (b *CombineBuilder) Build(def *yaml.FeatureDefinition) (driftd.ComputeFunc, error) {
	return func(ctx context.Context, parents map[string]*driftd.Record) (driftd.Computed, error) {
		payload := make(map[string]any, len(parents))
		roles := make([]string, 0, len(parents))
		for role, rec := range parents {
			payload[role] = rec.Payload
			roles = append(roles, role)
		}
		sort.Strings(roles)
		return driftd.Computed{Payload: payload, Meta: map[string]any{"roles": roles}}, nil
	}, nil
}

func stringSlice(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}
