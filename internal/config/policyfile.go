package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/oppi-dev/oppi/internal/logging"
	"github.com/oppi-dev/oppi/internal/policy"
)

// PolicyFile implements policy.Persister by writing one JSONC file per
// workspace and one global JSONC file under dir. loadRules parses a path
// ending in .yaml or .yml as YAML, but PolicyFile only ever reads and
// writes global.jsonc and workspace-<id>.jsonc, so a .yaml/.yml rule file
// in dir is not loaded.
type PolicyFile struct {
	dir string
}

// NewPolicyFile builds a PolicyFile rooted at dir, creating it if absent.
func NewPolicyFile(dir string) (*PolicyFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("config: create policy dir: %w", err)
	}
	return &PolicyFile{dir: dir}, nil
}

func (f *PolicyFile) globalPath() string {
	return filepath.Join(f.dir, "global.jsonc")
}

func (f *PolicyFile) workspacePath(workspaceID string) string {
	return filepath.Join(f.dir, "workspace-"+sanitizeFileName(workspaceID)+".jsonc")
}

func (f *PolicyFile) LoadGlobalRules() ([]policy.Rule, error) {
	return loadRules(f.globalPath())
}

func (f *PolicyFile) SaveGlobalRules(rules []policy.Rule) error {
	return saveRules(f.globalPath(), rules)
}

func (f *PolicyFile) LoadWorkspaceRules(workspaceID string) ([]policy.Rule, error) {
	return loadRules(f.workspacePath(workspaceID))
}

func (f *PolicyFile) SaveWorkspaceRules(workspaceID string, rules []policy.Rule) error {
	return saveRules(f.workspacePath(workspaceID), rules)
}

func loadRules(path string) ([]policy.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rules []policy.Rule
	if isYAMLPath(path) {
		err = yaml.Unmarshal(data, &rules)
	} else {
		err = json.Unmarshal(jsonc.ToJSON(data), &rules)
	}
	return rules, err
}

func saveRules(path string, rules []policy.Rule) error {
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// WatchPolicyFiles watches dir for changes to any global or workspace rule
// file and reloads the affected scope into store. It runs until stop is
// closed; the returned error is only non-nil if the initial watch setup
// fails — a later read/parse error on an edited file is skipped without
// being logged and the previously loaded rules stay in effect, since a rule
// file mid-write is expected to transiently fail to parse.
func WatchPolicyFiles(dir string, store *policy.Store, stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: start policy file watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch policy dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloadChangedRuleFile(store, event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Logger.Warn().Err(err).Str("dir", dir).Msg("config: policy file watch error")
			}
		}
	}()

	return nil
}

func reloadChangedRuleFile(store *policy.Store, name string) {
	base := filepath.Base(name)
	switch {
	case base == "global.jsonc" || base == "global.yaml" || base == "global.yml":
		store.ReloadGlobalRules()
	case strings.HasPrefix(base, "workspace-"):
		id := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(strings.TrimPrefix(base, "workspace-"), ".jsonc"), ".yaml"), ".yml")
		store.ReloadWorkspaceRules(id)
	}
}
