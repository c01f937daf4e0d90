package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oppi-dev/oppi/internal/policy"
)

func TestPolicyFileSavesAndLoadsGlobalRules(t *testing.T) {
	pf, err := NewPolicyFile(t.TempDir())
	require.NoError(t, err)

	rules := []policy.Rule{{ID: "r1", Pattern: "bash rm *", Action: policy.ActionDeny, Scope: policy.ScopeGlobal, Risk: policy.RiskHigh, Reason: "learned"}}
	require.NoError(t, pf.SaveGlobalRules(rules))

	loaded, err := pf.LoadGlobalRules()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "r1", loaded[0].ID)
}

func TestPolicyFileSavesAndLoadsWorkspaceRules(t *testing.T) {
	pf, err := NewPolicyFile(t.TempDir())
	require.NoError(t, err)

	rules := []policy.Rule{{ID: "w1", Pattern: "write_file", Action: policy.ActionAllow, Scope: policy.ScopeWorkspace, Risk: policy.RiskMedium}}
	require.NoError(t, pf.SaveWorkspaceRules("ws-1", rules))

	loaded, err := pf.LoadWorkspaceRules("ws-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "w1", loaded[0].ID)
}

func TestPolicyFileReadsYAMLFallback(t *testing.T) {
	dir := t.TempDir()

	yamlDoc := "- id: y1\n  pattern: bash\n  action: ask\n  scope: global\n  risk: medium\n  reason: from yaml\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "global.yaml"), []byte(yamlDoc), 0644))

	loaded, err := loadRules(filepath.Join(dir, "global.yaml"))
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "y1", loaded[0].ID)
	assert.Equal(t, policy.ActionAsk, loaded[0].Action)
}

func TestWatchPolicyFilesReloadsStoreOnExternalEdit(t *testing.T) {
	dir := t.TempDir()
	pf, err := NewPolicyFile(dir)
	require.NoError(t, err)

	require.NoError(t, pf.SaveGlobalRules([]policy.Rule{{ID: "initial", Pattern: "bash", Action: policy.ActionAsk, Scope: policy.ScopeGlobal, Risk: policy.RiskMedium}}))

	store := policy.NewStore(pf)
	require.Len(t, store.GlobalRules(), 1)

	stop := make(chan struct{})
	defer close(stop)
	require.NoError(t, WatchPolicyFiles(dir, store, stop))

	require.NoError(t, pf.SaveGlobalRules([]policy.Rule{
		{ID: "initial", Pattern: "bash", Action: policy.ActionAsk, Scope: policy.ScopeGlobal, Risk: policy.RiskMedium},
		{ID: "added", Pattern: "webfetch", Action: policy.ActionDeny, Scope: policy.ScopeGlobal, Risk: policy.RiskHigh},
	}))

	require.Eventually(t, func() bool {
		return len(store.GlobalRules()) == 2
	}, 2*time.Second, 20*time.Millisecond)
}
