package plugin

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
)

// ExecutionStore records one invocation's outcome (spec §4.4,
// SPEC_FULL's supplemented plugin_executions feature).
type ExecutionStore interface {
	SavePluginExecution(ctx context.Context, rec *domain.PluginExecutionRecord) error
}

// Executor runs the validate -> policy -> execute -> classify pipeline
// spec §4.4 describes.
type Executor struct {
	registry *Registry
	store    ExecutionStore
	logger   core.Logger

	// processDenylist is the fixed "never allowed regardless of
	// allow-list" set (spec §4.4: "process denylist (localhost, RFC1918,
	// link-local, metadata IPs)").
	processDenylist []string
}

// NewExecutor builds an Executor.
func NewExecutor(registry *Registry, store ExecutionStore, logger core.Logger) *Executor {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Executor{registry: registry, store: store, logger: logger}
}

// Execute runs namespace with inputs under task-scoped host policy,
// classifying failures into the spec §7 error kind taxonomy and always
// persisting a PluginExecutionRecord (spec §4.4 steps 1-4).
func (e *Executor) Execute(ctx context.Context, taskID, stepID, namespace string, inputs map[string]interface{}, allowedHosts []string) (map[string]interface{}, error) {
	started := time.Now().UTC()
	rec := &domain.PluginExecutionRecord{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		StepID:    stepID,
		Namespace: namespace,
		StartedAt: started,
	}

	def, handler, ok := e.registry.Lookup(namespace)
	if !ok || handler == nil {
		rec.Success = false
		rec.ErrorKind = string(core.KindNotFound)
		e.persist(ctx, rec, started)
		return nil, core.NewError("plugin.Execute", core.KindNotFound, namespace, core.ErrUnknownPlugin)
	}

	if err := validateInputs(def.InputSchema, inputs); err != nil {
		rec.Success = false
		rec.ErrorKind = string(core.KindInvalidInput)
		e.persist(ctx, rec, started)
		return nil, core.NewError("plugin.Execute", core.KindInvalidInput, namespace, err)
	}

	if def.Category == domain.CategoryIO || def.Category == domain.CategoryCommunication {
		if host, scheme, ok := targetHost(def, inputs); ok {
			if err := e.checkHostPolicy(host, scheme, def, allowedHosts); err != nil {
				rec.Success = false
				rec.ErrorKind = string(core.KindPolicyViolation)
				e.persist(ctx, rec, started)
				return nil, err
			}
		}
	}

	timeout := def.Policy.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outputs, err := handler(execCtx, inputs)
	rec.Duration = time.Since(started)
	if err != nil {
		rec.Success = false
		rec.ErrorKind = string(classifyPluginError(err))
		e.persist(ctx, rec, started)
		return nil, core.NewError("plugin.Execute", classifyPluginError(err), namespace, err)
	}

	rec.Success = true
	e.persist(ctx, rec, started)
	return outputs, nil
}

func (e *Executor) persist(ctx context.Context, rec *domain.PluginExecutionRecord, started time.Time) {
	if rec.Duration == 0 {
		rec.Duration = time.Since(started)
	}
	if err := e.store.SavePluginExecution(ctx, rec); err != nil {
		e.logger.Warn("failed to persist plugin execution record", map[string]interface{}{
			"namespace": rec.Namespace, "error": err.Error(),
		})
	}
}

// classifyPluginError maps an opaque handler error to a taxonomy kind;
// handlers that already return a *core.FrameworkError keep their kind.
func classifyPluginError(err error) core.Kind {
	if core.IsKind(err, core.KindPolicyViolation) {
		return core.KindPolicyViolation
	}
	if k := core.KindOf(err); k != core.KindInternal {
		return k
	}
	return core.KindPluginFailure
}

func validateInputs(schema domain.Schema, inputs map[string]interface{}) error {
	for name, field := range schema {
		v, present := inputs[name]
		if !present {
			if field.Required {
				return fmt.Errorf("%w: missing required field %q", core.ErrInvalidInputs, name)
			}
			continue
		}
		if field.Type != "" && !matchesType(field.Type, v) {
			return fmt.Errorf("%w: field %q expected type %s", core.ErrInvalidInputs, name, field.Type)
		}
	}
	return nil
}

func matchesType(want string, v interface{}) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	default:
		return true
	}
}

// targetHost extracts the outbound hostname and scheme for plugins that
// accept a "url" input field (http.get and similarly shaped network
// plugins).
func targetHost(def domain.PluginDefinition, inputs map[string]interface{}) (host, scheme string, ok bool) {
	raw, ok := inputs["url"].(string)
	if !ok || raw == "" {
		return "", "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", false
	}
	return u.Hostname(), u.Scheme, true
}

// checkHostPolicy implements spec §4.4 step 3: take allowedHosts as the
// allow-host list as the caller passes it (the dispatcher passes the
// task's constraints.allowed_hosts only; no organization default is
// merged in), reject hosts not listed or on the
// fixed process denylist, and require https:// for HTTP-category
// plugins unless the target host is explicitly whitelisted on the
// plugin's own policy.
func (e *Executor) checkHostPolicy(host, scheme string, def domain.PluginDefinition, allowedHosts []string) error {
	if isDenylisted(host) {
		return core.NewErrorf("plugin.checkHostPolicy", core.KindPolicyViolation,
			"host %q is on the process denylist", host)
	}
	listed := false
	whitelisted := false
	for _, h := range allowedHosts {
		if strings.EqualFold(h, host) {
			listed = true
		}
	}
	for _, h := range def.Policy.AllowedHosts {
		if strings.EqualFold(h, host) {
			listed = true
			whitelisted = true
		}
	}
	if !listed {
		return core.NewErrorf("plugin.checkHostPolicy", core.KindPolicyViolation,
			"host %q is not in the effective allow-host list", host)
	}
	if RequiresHTTPS(def) && scheme != "https" && !whitelisted {
		return core.NewErrorf("plugin.checkHostPolicy", core.KindPolicyViolation,
			"host %q requires https, got %q", host, scheme)
	}
	return nil
}

// isDenylisted reports whether host resolves to localhost, RFC1918,
// link-local, or the common cloud-metadata address (spec §4.4).
func isDenylisted(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false // a hostname we can't resolve here; DNS-level SSRF defense is out of scope
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() {
		return true
	}
	if ip.String() == "169.254.169.254" {
		return true
	}
	return false
}

// RequiresHTTPS reports whether def's policy (or category default)
// demands an https:// scheme.
func RequiresHTTPS(def domain.PluginDefinition) bool {
	return def.Category == domain.CategoryIO || def.Policy.RequireHTTPS
}
