package plugin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
)

type fakeDefinitionStore struct {
	defs map[string]domain.PluginDefinition
}

func newFakeDefinitionStore() *fakeDefinitionStore {
	return &fakeDefinitionStore{defs: map[string]domain.PluginDefinition{}}
}

func (f *fakeDefinitionStore) ListPluginDefinitions(_ context.Context, origin domain.PluginOrigin) ([]domain.PluginDefinition, error) {
	var out []domain.PluginDefinition
	for _, d := range f.defs {
		if d.Origin == origin {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDefinitionStore) UpsertPluginDefinition(_ context.Context, def domain.PluginDefinition) error {
	f.defs[def.Namespace] = def
	return nil
}

func (f *fakeDefinitionStore) DeletePluginDefinition(_ context.Context, namespace string) error {
	delete(f.defs, namespace)
	return nil
}

type fakeExecutionStore struct {
	records []*domain.PluginExecutionRecord
}

func (f *fakeExecutionStore) SavePluginExecution(_ context.Context, rec *domain.PluginExecutionRecord) error {
	f.records = append(f.records, rec)
	return nil
}

// TestSyncUpsertsAndDeletesOrphans covers spec §4.4's startup sync
// algorithm: a system row no longer compiled in gets deleted, org rows
// are loaded and never deleted.
func TestSyncUpsertsAndDeletesOrphans(t *testing.T) {
	ds := newFakeDefinitionStore()
	ds.defs["stale.plugin"] = domain.PluginDefinition{Namespace: "stale.plugin", Origin: domain.OriginSystem}
	ds.defs["org.widget"] = domain.PluginDefinition{Namespace: "org.widget", Origin: domain.OriginOrganization}

	reg := New(ds, core.NoOpLogger{})
	RegisterBuiltins(reg, http.DefaultClient)

	require.NoError(t, reg.Sync(context.Background()))

	_, ok := ds.defs["stale.plugin"]
	assert.False(t, ok, "orphaned system row should be deleted")

	_, _, ok = reg.Lookup("org.widget")
	assert.True(t, ok, "organization row should be loaded, not deleted")

	_, _, ok = reg.Lookup("http.get")
	assert.True(t, ok)
}

// TestHostPolicyViolation implements S3/P5: a plugin targeting a host
// outside the effective allow-list is rejected with PolicyViolation and
// the request never goes out.
func TestHostPolicyViolation(t *testing.T) {
	ds := newFakeDefinitionStore()
	reg := New(ds, core.NoOpLogger{})
	RegisterBuiltins(reg, http.DefaultClient)

	execStore := &fakeExecutionStore{}
	ex := NewExecutor(reg, execStore, core.NoOpLogger{})

	_, err := ex.Execute(context.Background(), "t1", "s1", "http.get",
		map[string]interface{}{"url": "https://evil.example.net/x"},
		[]string{"api.example.com"})

	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindPolicyViolation))
	require.Len(t, execStore.records, 1)
	assert.False(t, execStore.records[0].Success)
}

// TestLoopbackAlwaysDenied shows the process denylist overrides even an
// explicit allow-list entry for loopback addresses (spec §4.4).
func TestLoopbackAlwaysDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ds := newFakeDefinitionStore()
	reg := New(ds, core.NoOpLogger{})
	RegisterBuiltins(reg, srv.Client())

	execStore := &fakeExecutionStore{}
	ex := NewExecutor(reg, execStore, core.NoOpLogger{})

	host := hostOnly(srv.Listener.Addr().String())
	_, err := ex.Execute(context.Background(), "t1", "s1", "http.get",
		map[string]interface{}{"url": srv.URL}, []string{host})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindPolicyViolation))
}

// TestTransformExecutesThroughPipeline shows a non-network plugin
// succeeding end to end through Execute (validate -> execute -> record).
func TestTransformExecutesThroughPipeline(t *testing.T) {
	ds := newFakeDefinitionStore()
	reg := New(ds, core.NoOpLogger{})
	RegisterBuiltins(reg, http.DefaultClient)

	execStore := &fakeExecutionStore{}
	ex := NewExecutor(reg, execStore, core.NoOpLogger{})

	out, err := ex.Execute(context.Background(), "t1", "s1", "transform", map[string]interface{}{
		"input":  map[string]interface{}{"name": "ada"},
		"fields": []interface{}{"name"},
	}, nil)
	require.NoError(t, err)
	result := out["result"].(map[string]interface{})
	assert.Equal(t, "ada", result["name"])
	require.Len(t, execStore.records, 1)
	assert.True(t, execStore.records[0].Success)
}

func hostOnly(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

func TestUnknownPluginNotFound(t *testing.T) {
	ds := newFakeDefinitionStore()
	reg := New(ds, core.NoOpLogger{})
	execStore := &fakeExecutionStore{}
	ex := NewExecutor(reg, execStore, core.NoOpLogger{})

	_, err := ex.Execute(context.Background(), "t1", "s1", "nope.namespace", nil, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestTransformProjectsDottedFields(t *testing.T) {
	out, err := transformHandler(context.Background(), map[string]interface{}{
		"input":  map[string]interface{}{"user": map[string]interface{}{"name": "ada"}},
		"fields": []interface{}{"user.name"},
	})
	require.NoError(t, err)
	result := out["result"].(map[string]interface{})
	assert.Equal(t, "ada", result["user.name"])
}

func TestListFilterEqualityPredicate(t *testing.T) {
	out, err := listFilterHandler(context.Background(), map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"status": "open"},
			map[string]interface{}{"status": "closed"},
		},
		"field": "status",
		"value": "open",
	})
	require.NoError(t, err)
	items := out["items"].([]interface{})
	require.Len(t, items, 1)
}
