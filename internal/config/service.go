package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/agentcore/assigner/internal/assignerrors"
)

// baseFiles are the bit-level contract's base-layer files. Each is tried as
// both <name>.yaml and <name>.json; their top-level keys fold into a single
// configuration tree before the environment and local overlays apply. A
// fourth, "settings", is not part of the distilled sla_rules/routing_rules/
// queries contract but carries the daemon's own ambient tuning knobs
// (probe interval, stability floor, HTTP bind address, ...) through the
// same layered-overlay mechanism rather than inventing a separate loader.
var baseFiles = []string{"sla_rules", "routing_rules", "queries", "settings"}

// layerExtensions are tried in order for every layer file, honoring the
// <yaml|json> file-extension contract.
var layerExtensions = []string{".yaml", ".yml", ".json"}

// Service loads the layered base/environment/local configuration tree from
// a directory and republishes an atomically-swapped Snapshot whenever the
// tree changes on disk.
type Service struct {
	dir         string
	environment string
	current     atomic.Pointer[Snapshot]

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	callbacks []func(*Snapshot)
}

// NewService loads the initial configuration from dir/base, dir/environments
// (environment overlay, if named), and dir/local (local overrides), and
// falls back to Defaults() if the tree has no files at all.
func NewService(dir, environment string) (*Service, error) {
	s := &Service{dir: dir, environment: environment}
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return s, nil
}

// Current returns the latest published snapshot.
func (s *Service) Current() *Snapshot {
	return s.current.Load()
}

// OnReload registers a callback invoked after every successful reload, used
// by long-running components (probe, routing engine) to pick up new
// intervals and rules without restarting.
func (s *Service) OnReload(cb func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Watch starts an fsnotify watch on every layer directory that exists,
// reloading and republishing on every write. Returns immediately; call
// Close to stop.
func (s *Service) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: config watcher: %v", assignerrors.ErrInvalidConfiguration, err)
	}

	watched := 0
	for _, sub := range []string{"base", "environments", "local"} {
		dir := filepath.Join(s.dir, sub)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("%w: watch config dir %s: %v", assignerrors.ErrInvalidConfiguration, dir, err)
		}
		watched++
	}
	if watched == 0 {
		if err := watcher.Add(s.dir); err != nil {
			watcher.Close()
			return fmt.Errorf("%w: watch config dir %s: %v", assignerrors.ErrInvalidConfiguration, s.dir, err)
		}
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go func() {
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				debounce.Reset(250 * time.Millisecond)
			case <-debounce.C:
				if err := s.Reload(); err != nil {
					log.Printf("[CONFIG] reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[CONFIG] watcher error: %v", err)
			}
		}
	}()

	return nil
}

// Close stops the directory watch, if running.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Reload re-reads the layered configuration and publishes a new snapshot
// atomically. A malformed file leaves the previous snapshot in place.
func (s *Service) Reload() error {
	snap, err := s.load()
	if err != nil {
		return err
	}
	s.current.Store(snap)
	log.Printf("[CONFIG] reloaded configuration from %s", s.dir)

	s.mu.Lock()
	callbacks := append([]func(*Snapshot){}, s.callbacks...)
	s.mu.Unlock()
	for _, cb := range callbacks {
		cb(snap)
	}
	return nil
}

// load reads the base layer (sla_rules, routing_rules, queries, settings),
// then the environment overlay, then the local overlay, deep-merging
// dictionaries and replacing lists at each step, and decodes the merged
// tree into a Snapshot.
func (s *Service) load() (*Snapshot, error) {
	merged := map[string]interface{}{}

	baseDir := filepath.Join(s.dir, "base")
	for _, name := range baseFiles {
		layer, err := readLayerFile(baseDir, name)
		if err != nil {
			return nil, err
		}
		deepMerge(merged, layer)
	}

	if s.environment != "" {
		layer, err := readLayerFile(filepath.Join(s.dir, "environments"), s.environment)
		if err != nil {
			return nil, err
		}
		deepMerge(merged, layer)
	}

	localLayer, err := readLayerFile(filepath.Join(s.dir, "local"), "overrides")
	if err != nil {
		return nil, err
	}
	deepMerge(merged, localLayer)

	if len(merged) == 0 {
		return Defaults(), nil
	}

	return snapshotFromMerged(merged)
}

// readLayerFile tries name.yaml, name.yml, then name.json inside dir, in
// that order, returning an empty map if none exist.
func readLayerFile(dir, name string) (map[string]interface{}, error) {
	for _, ext := range layerExtensions {
		path := filepath.Join(dir, name+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("%w: read %s: %v", assignerrors.ErrInvalidConfiguration, path, err)
		}

		out := map[string]interface{}{}
		var decodeErr error
		if ext == ".json" {
			decodeErr = json.Unmarshal(data, &out)
		} else {
			decodeErr = yaml.Unmarshal(data, &out)
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", assignerrors.ErrInvalidConfiguration, path, decodeErr)
		}
		return out, nil
	}
	return map[string]interface{}{}, nil
}

// deepMerge folds src into dst in place: nested dictionaries merge key by
// key, everything else (scalars and lists alike) is replaced wholesale,
// matching the external contract's "dicts deep-merged, lists replaced"
// overlay rule.
func deepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		if sv, ok := v.(map[string]interface{}); ok {
			if dv, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

// decodeInto re-encodes v as YAML and decodes it into target, letting a
// single set of struct tags handle values that originated from either a
// YAML or a JSON layer file.
func decodeInto(v interface{}, target interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, target)
}

type rawSlaTarget struct {
	TaskType        string `yaml:"task_type"`
	TargetMinutes   int    `yaml:"target_minutes"`
	WarningPercent  int    `yaml:"warning_percent"`
	CriticalPercent int    `yaml:"critical_percent"`
	MaxRetries      int    `yaml:"max_retries"`
}

type rawRoutingRule struct {
	TaskType          string   `yaml:"task_type"`
	RequiresEnv       bool     `yaml:"requires_env"`
	PreferredSessions []string `yaml:"preferred_sessions"`
	RequiredProvider  string   `yaml:"required_provider"`
	PortRange         []int    `yaml:"port_range"`
	AutoCreateEnv     bool     `yaml:"auto_create_env"`
	MergeViaPR        bool     `yaml:"merge_via_pr"`
	Priority          int      `yaml:"priority"`
	TimeoutMinutes    int      `yaml:"timeout_minutes"`
}

type rawQuery struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	SQL         string       `yaml:"sql"`
	Params      []QueryParam `yaml:"params"`
	CacheTTL    int          `yaml:"cache_ttl"`
}

// snapshotFromMerged decodes the merged base/environment/local tree into a
// Snapshot, starting from Defaults() so keys absent from every layer keep
// their built-in value.
func snapshotFromMerged(merged map[string]interface{}) (*Snapshot, error) {
	snap := Defaults()

	if v, ok := merged["probe_interval"]; ok {
		var raw string
		if err := decodeInto(v, &raw); err == nil && raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: probe_interval: %v", assignerrors.ErrInvalidConfiguration, err)
			}
			snap.ProbeInterval = d
		}
	}
	if v, ok := merged["offline_threshold"]; ok {
		var raw string
		if err := decodeInto(v, &raw); err == nil && raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: offline_threshold: %v", assignerrors.ErrInvalidConfiguration, err)
			}
			snap.OfflineThreshold = d
		}
	}
	if v, ok := merged["stability_floor"]; ok {
		if err := decodeInto(v, &snap.StabilityFloor); err != nil {
			return nil, fmt.Errorf("%w: stability_floor: %v", assignerrors.ErrInvalidConfiguration, err)
		}
	}
	if v, ok := merged["stability_alpha"]; ok {
		if err := decodeInto(v, &snap.StabilityAlpha); err != nil {
			return nil, fmt.Errorf("%w: stability_alpha: %v", assignerrors.ErrInvalidConfiguration, err)
		}
	}
	if v, ok := merged["default_max_retries"]; ok {
		decodeInto(v, &snap.DefaultMaxRetries)
	}
	if v, ok := merged["default_timeout_minutes"]; ok {
		decodeInto(v, &snap.DefaultTimeoutMin)
	}
	if v, ok := merged["circuit_failure_threshold"]; ok {
		decodeInto(v, &snap.CircuitFailureThreshold)
	}
	if v, ok := merged["multiplexer"]; ok {
		decodeInto(v, &snap.Multiplexer)
	}
	if v, ok := merged["http_addr"]; ok {
		decodeInto(v, &snap.HTTPAddr)
	}
	if v, ok := merged["database_path"]; ok {
		decodeInto(v, &snap.DatabasePath)
	}

	if v, ok := merged["sla_targets"]; ok {
		var raw []rawSlaTarget
		if err := decodeInto(v, &raw); err != nil {
			return nil, fmt.Errorf("%w: sla_targets: %v", assignerrors.ErrInvalidConfiguration, err)
		}
		for _, r := range raw {
			snap.SlaTargets = append(snap.SlaTargets, SlaTarget{
				TaskType:        r.TaskType,
				TimeoutMinutes:  r.TargetMinutes,
				WarningPercent:  r.WarningPercent,
				CriticalPercent: r.CriticalPercent,
				MaxRetries:      r.MaxRetries,
			})
		}
		sort.Slice(snap.SlaTargets, func(i, j int) bool { return snap.SlaTargets[i].TaskType < snap.SlaTargets[j].TaskType })
	}

	if v, ok := merged["routing_rules"]; ok {
		var raw []rawRoutingRule
		if err := decodeInto(v, &raw); err != nil {
			return nil, fmt.Errorf("%w: routing_rules: %v", assignerrors.ErrInvalidConfiguration, err)
		}
		for _, r := range raw {
			rule := RoutingRule{
				TaskType:          r.TaskType,
				PreferredSessions: r.PreferredSessions,
				RequiredProvider:  r.RequiredProvider,
				RequiresEnv:       r.RequiresEnv,
				AutoCreateEnv:     r.AutoCreateEnv,
				MergeViaPR:        r.MergeViaPR,
				Priority:          r.Priority,
				TimeoutMinutes:    r.TimeoutMinutes,
			}
			if len(r.PortRange) == 2 {
				min, max := r.PortRange[0], r.PortRange[1]
				rule.PortRangeMin, rule.PortRangeMax = &min, &max
			}
			snap.RoutingRules = append(snap.RoutingRules, rule)
		}
		sort.Slice(snap.RoutingRules, func(i, j int) bool { return snap.RoutingRules[i].TaskType < snap.RoutingRules[j].TaskType })
	}

	if v, ok := merged["excluded_sessions"]; ok {
		decodeInto(v, &snap.ExcludedSessions)
	}
	if v, ok := merged["supported_providers"]; ok {
		decodeInto(v, &snap.SupportedProviders)
	}
	if v, ok := merged["fallback_rules"]; ok {
		if err := decodeInto(v, &snap.FallbackRules); err != nil {
			return nil, fmt.Errorf("%w: fallback_rules: %v", assignerrors.ErrInvalidConfiguration, err)
		}
	}

	if v, ok := merged["queries"]; ok {
		var raw []rawQuery
		if err := decodeInto(v, &raw); err != nil {
			return nil, fmt.Errorf("%w: queries: %v", assignerrors.ErrInvalidConfiguration, err)
		}
		for _, r := range raw {
			snap.QueryTemplates = append(snap.QueryTemplates, QueryTemplate{
				Name:            r.Name,
				Description:     r.Description,
				SQL:             r.SQL,
				Params:          r.Params,
				CacheTTLSeconds: r.CacheTTL,
			})
		}
		sort.Slice(snap.QueryTemplates, func(i, j int) bool { return snap.QueryTemplates[i].Name < snap.QueryTemplates[j].Name })
	}

	if snap.StabilityFloor < 0 || snap.StabilityFloor > 1 {
		return nil, fmt.Errorf("%w: stability_floor must be in [0,1]", assignerrors.ErrInvalidConfiguration)
	}
	if snap.StabilityAlpha < 0 || snap.StabilityAlpha > 1 {
		return nil, fmt.Errorf("%w: stability_alpha must be in [0,1]", assignerrors.ErrInvalidConfiguration)
	}

	return snap, nil
}
