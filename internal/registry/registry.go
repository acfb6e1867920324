// Package registry owns the installed plugin set: the on-disk plugins.json
// overlay of manifest + enabled flag, the live sandbox for every enabled
// plugin, and the lifecycle operations (install/uninstall/enable/disable/
// update_config) that mutate both. Every mutating operation on a given
// plugin id is serialized against concurrent operations on the same id.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nbot-dev/nbot/internal/broker"
	"github.com/nbot-dev/nbot/internal/capability"
	"github.com/nbot-dev/nbot/internal/hosterr"
	"github.com/nbot-dev/nbot/internal/kv"
	"github.com/nbot-dev/nbot/internal/persist"
	"github.com/nbot-dev/nbot/internal/sandbox"
	"github.com/nbot-dev/nbot/internal/signing"
	"github.com/nbot-dev/nbot/internal/store"
	nplugin "github.com/nbot-dev/nbot/pkg/plugin"
)

// InstalledEntry pairs a manifest with its enabled flag, the unit persisted
// in plugins.json.
type InstalledEntry struct {
	Manifest nplugin.Manifest `json:"manifest"`
	Enabled  bool             `json:"enabled"`
}

// InstallSource records where an installed package came from, carried for
// admin introspection only; it does not affect lifecycle behavior.
type InstallSource string

const (
	SourceLocal  InstallSource = "local"
	SourceMarket InstallSource = "market"
)

// Registry is the installed-plugin overlay: manifests, enabled flags, and
// the live sandboxes backing the enabled ones.
type Registry struct {
	pluginsJSONPath string

	store   *store.Store
	kv      *kv.Store
	broker  *broker.Broker
	surface *capability.Surface
	policy  signing.Policy
	logger  *slog.Logger

	mu        sync.RWMutex
	entries   map[string]*InstalledEntry
	order     []string // install order; dispatch iterates enabled plugins in this order
	sandboxes map[string]*sandbox.Sandbox

	idLocksMu sync.Mutex
	idLocks   map[string]*sync.Mutex
}

// Option configures a Registry at construction time.
type Option func(*Registry)

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// New loads plugins.json (if present) from <dataDir>/plugins.json and
// reconstructs a sandbox for every entry already marked enabled. A plugin
// whose sandbox fails to (re)load is logged and left without a live
// sandbox, but otherwise does not prevent the registry from starting; it
// remains "enabled" in plugins.json and can be retried via Enable.
func New(dataDir string, st *store.Store, kvStore *kv.Store, brk *broker.Broker, surface *capability.Surface, policy signing.Policy, opts ...Option) (*Registry, error) {
	r := &Registry{
		pluginsJSONPath: dataDir + "/plugins.json",
		store:           st,
		kv:              kvStore,
		broker:          brk,
		surface:         surface,
		policy:          policy,
		logger:          slog.Default(),
		entries:         make(map[string]*InstalledEntry),
		sandboxes:       make(map[string]*sandbox.Sandbox),
		idLocks:         make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}

	var onDisk map[string]*InstalledEntry
	if err := persist.ReadJSON(r.pluginsJSONPath, &onDisk); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(onDisk))
	for id, e := range onDisk {
		r.entries[id] = e
		ids = append(ids, id)
	}
	// plugins.json is a map and does not preserve historical install order;
	// on restart we fall back to id order, which is deterministic but not
	// necessarily the original install sequence.
	sort.Strings(ids)
	r.order = ids

	for id, e := range r.entries {
		if !e.Enabled {
			continue
		}
		sb, err := r.loadSandbox(e.Manifest)
		if err != nil {
			r.logger.Warn("failed to reload sandbox for previously-enabled plugin", "plugin", id, "error", err)
			continue
		}
		r.sandboxes[id] = sb
	}

	return r, nil
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	r.idLocksMu.Lock()
	defer r.idLocksMu.Unlock()
	l, ok := r.idLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.idLocks[id] = l
	}
	return l
}

func (r *Registry) save() error {
	r.mu.RLock()
	snapshot := make(map[string]*InstalledEntry, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	r.mu.RUnlock()
	return persist.WriteJSONAtomic(r.pluginsJSONPath, snapshot)
}

func (r *Registry) loadSandbox(m nplugin.Manifest) (*sandbox.Sandbox, error) {
	source, err := r.store.ReadEntry(m.Type, m.ID, m.Entry)
	if err != nil {
		return nil, err
	}
	return sandbox.New(m.ID, m.CodeType, source, r.surface, sandbox.WithLogger(r.logger))
}

// Install verifies signature per policy, writes the package via the package
// store, and persists a new entry with enabled=false. A failed signature
// check (when not overridden by policy) rolls back the on-disk install.
func (r *Registry) Install(ctx context.Context, packageBytes []byte, source InstallSource) (nplugin.Manifest, error) {
	manifest, err := r.store.InstallFromBytes(packageBytes)
	if err != nil {
		return nplugin.Manifest{}, err
	}

	lock := r.lockFor(manifest.ID)
	lock.Lock()
	defer lock.Unlock()

	if !manifest.Builtin {
		files, err := r.store.Files(manifest.Type, manifest.ID)
		if err != nil {
			r.store.Remove(manifest.Type, manifest.ID)
			return nplugin.Manifest{}, err
		}
		if err := r.policy.Verify(manifest.ID, manifest.Signature, files); err != nil {
			r.store.Remove(manifest.Type, manifest.ID)
			return nplugin.Manifest{}, err
		}
	}

	r.mu.Lock()
	if _, exists := r.entries[manifest.ID]; !exists {
		r.order = append(r.order, manifest.ID)
	}
	r.entries[manifest.ID] = &InstalledEntry{Manifest: manifest, Enabled: false}
	r.mu.Unlock()

	if err := r.save(); err != nil {
		return nplugin.Manifest{}, err
	}
	r.logger.Info("plugin installed", "plugin", manifest.ID, "version", manifest.Version, "source", source)
	return manifest, nil
}

// Reinstall overwrites an existing plugin's package files and manifest with
// a new version, preserving its local Config and Enabled flag across the
// update: a market sync publishing a new version must never silently
// revert an admin's prior configuration or enable/disable choice. If the
// plugin was enabled, its sandbox is rebuilt against the new entry source;
// a rebuild failure is logged and leaves the plugin enabled without a live
// sandbox, same as a failed reload on restart.
func (r *Registry) Reinstall(ctx context.Context, packageBytes []byte, source InstallSource) (nplugin.Manifest, error) {
	manifest, err := r.store.InstallFromBytes(packageBytes)
	if err != nil {
		return nplugin.Manifest{}, err
	}

	lock := r.lockFor(manifest.ID)
	lock.Lock()
	defer lock.Unlock()

	if !manifest.Builtin {
		files, err := r.store.Files(manifest.Type, manifest.ID)
		if err != nil {
			r.store.Remove(manifest.Type, manifest.ID)
			return nplugin.Manifest{}, err
		}
		if err := r.policy.Verify(manifest.ID, manifest.Signature, files); err != nil {
			r.store.Remove(manifest.Type, manifest.ID)
			return nplugin.Manifest{}, err
		}
	}

	r.mu.Lock()
	prev, hadPrev := r.entries[manifest.ID]
	wasEnabled := hadPrev && prev.Enabled
	if hadPrev {
		manifest.Config = prev.Manifest.Config
	} else {
		r.order = append(r.order, manifest.ID)
	}
	r.entries[manifest.ID] = &InstalledEntry{Manifest: manifest, Enabled: wasEnabled}
	r.mu.Unlock()

	if err := r.store.WriteManifest(manifest.Type, manifest.ID, manifest); err != nil {
		return nplugin.Manifest{}, err
	}

	if wasEnabled {
		r.mu.RLock()
		_, hadSandbox := r.sandboxes[manifest.ID]
		r.mu.RUnlock()
		if hadSandbox {
			r.mu.Lock()
			delete(r.sandboxes, manifest.ID)
			r.mu.Unlock()
		}
		sb, err := r.loadSandbox(manifest)
		if err != nil {
			r.logger.Warn("failed to rebuild sandbox after update; plugin left enabled without a live sandbox", "plugin", manifest.ID, "error", err)
		} else {
			r.mu.Lock()
			r.sandboxes[manifest.ID] = sb
			r.mu.Unlock()
		}
	}

	if err := r.save(); err != nil {
		return nplugin.Manifest{}, err
	}
	r.logger.Info("plugin reinstalled", "plugin", manifest.ID, "version", manifest.Version, "source", source)
	return manifest, nil
}

// Uninstall disables the plugin if enabled, drops its storage and on-disk
// package, and removes its entry. Uninstalling an unknown id is a no-op
// error (NotFound), not a silent success.
func (r *Registry) Uninstall(ctx context.Context, id string) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return hosterr.New(hosterr.NotFound, "plugin "+id+" is not installed")
	}

	if entry.Enabled {
		r.disableLocked(ctx, id, entry)
	}

	if err := r.kv.DropPlugin(id); err != nil {
		r.logger.Warn("failed to drop plugin storage", "plugin", id, "error", err)
	}
	if err := r.store.Remove(entry.Manifest.Type, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	return r.save()
}

// Enable constructs a sandbox for id and calls onEnable best-effort: if the
// hook is present and faults, the enable is rolled back and the plugin is
// left disabled.
func (r *Registry) Enable(ctx context.Context, id string) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return hosterr.New(hosterr.NotFound, "plugin "+id+" is not installed")
	}
	if entry.Enabled {
		return nil
	}

	sb, err := r.loadSandbox(entry.Manifest)
	if err != nil {
		return err
	}
	if _, _, err := sb.Call(ctx, nplugin.HookOnEnable); err != nil {
		return hosterr.Wrap(hosterr.HookFault, "onEnable failed, plugin left disabled", err)
	}

	r.mu.Lock()
	entry.Enabled = true
	r.sandboxes[id] = sb
	r.mu.Unlock()

	return r.save()
}

// Disable calls onDisable best-effort and tears down the live sandbox.
func (r *Registry) Disable(ctx context.Context, id string) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return hosterr.New(hosterr.NotFound, "plugin "+id+" is not installed")
	}
	if !entry.Enabled {
		return nil
	}

	r.disableLocked(ctx, id, entry)
	return r.save()
}

// disableLocked performs the teardown shared by Disable and Uninstall. The
// caller already holds lockFor(id).
func (r *Registry) disableLocked(ctx context.Context, id string, entry *InstalledEntry) {
	r.mu.RLock()
	sb, hasSandbox := r.sandboxes[id]
	r.mu.RUnlock()

	if hasSandbox {
		if _, _, err := sb.Call(ctx, nplugin.HookOnDisable); err != nil {
			r.logger.Warn("onDisable faulted", "plugin", id, "error", err)
		}
	}
	r.broker.CancelPlugin(id)

	r.mu.Lock()
	entry.Enabled = false
	delete(r.sandboxes, id)
	r.mu.Unlock()
}

// UpdateConfig validates newConfig structurally against the plugin's
// configSchema (right top-level kinds only), persists it into the
// manifest, and invokes onConfigUpdated on the live sandbox if the plugin
// is currently enabled.
func (r *Registry) UpdateConfig(ctx context.Context, id string, newConfig json.RawMessage) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return hosterr.New(hosterr.NotFound, "plugin "+id+" is not installed")
	}

	if err := validateConfigSchema(entry.Manifest.ConfigSchema, newConfig); err != nil {
		return err
	}

	r.mu.Lock()
	entry.Manifest.Config = append(json.RawMessage(nil), newConfig...)
	manifestCopy := entry.Manifest
	sb, hasSandbox := r.sandboxes[id]
	r.mu.Unlock()

	if err := r.store.WriteManifest(manifestCopy.Type, id, manifestCopy); err != nil {
		return err
	}
	if err := r.save(); err != nil {
		return err
	}

	if hasSandbox {
		var decoded any
		_ = json.Unmarshal(newConfig, &decoded)
		if _, _, err := sb.Call(ctx, nplugin.HookOnConfigUpdated, decoded); err != nil {
			r.logger.Warn("onConfigUpdated faulted", "plugin", id, "error", err)
		}
	}
	return nil
}

// validateConfigSchema checks only that each declared field, if present in
// cfg, has the right JSON structural kind. It does not enforce Required,
// matching the "structural only" scope of §4.8.
func validateConfigSchema(fields []nplugin.ConfigField, cfg json.RawMessage) error {
	if len(fields) == 0 || len(cfg) == 0 {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(cfg, &doc); err != nil {
		return hosterr.Wrap(hosterr.InvalidManifest, "config is not a JSON object", err)
	}

	properties := map[string]any{}
	for _, f := range fields {
		t, ok := jsonSchemaType(f.Kind)
		if !ok {
			continue
		}
		properties[f.Key] = map[string]any{"type": t}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	docLoader := gojsonschema.NewGoLoader(doc)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return hosterr.Wrap(hosterr.InvalidManifest, "validating config", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return hosterr.New(hosterr.InvalidManifest, fmt.Sprintf("config does not match schema: %v", msgs))
	}
	return nil
}

func jsonSchemaType(k nplugin.FieldKind) (string, bool) {
	switch k {
	case nplugin.FieldString, nplugin.FieldSelect:
		return "string", true
	case nplugin.FieldNumber:
		return "number", true
	case nplugin.FieldBoolean:
		return "boolean", true
	case nplugin.FieldArray:
		return "array", true
	case nplugin.FieldObject:
		return "object", true
	default:
		return "", false
	}
}

// Snapshot returns every installed entry, sorted by id, for the admin API.
func (r *Registry) Snapshot() []InstalledEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]InstalledEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, InstalledEntry{Manifest: e.Manifest.Clone(), Enabled: e.Enabled})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out
}

// Get returns the installed entry for id, if any.
func (r *Registry) Get(id string) (InstalledEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return InstalledEntry{}, false
	}
	return InstalledEntry{Manifest: e.Manifest.Clone(), Enabled: e.Enabled}, true
}

// EnabledSandboxes returns the live sandbox for every currently enabled
// plugin, keyed by id, for the event dispatcher to route through.
func (r *Registry) EnabledSandboxes() map[string]*sandbox.Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*sandbox.Sandbox, len(r.sandboxes))
	for k, v := range r.sandboxes {
		out[k] = v
	}
	return out
}

// Sandbox returns the live sandbox for id, if the plugin is currently
// enabled.
func (r *Registry) Sandbox(id string) (*sandbox.Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.sandboxes[id]
	return sb, ok
}

// EnabledOrder returns the ids of currently enabled plugins in install
// order, for dispatch rules that must fan out deterministically (message,
// notice) rather than in arbitrary map order.
func (r *Registry) EnabledOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sandboxes))
	for _, id := range r.order {
		if _, ok := r.sandboxes[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// CommandOwners returns, for a command name, the ids of enabled plugins that
// advertise it in their manifest's commands list.
func (r *Registry) CommandOwners(command string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.order {
		if _, ok := r.sandboxes[id]; !ok {
			continue
		}
		e := r.entries[id]
		for _, c := range e.Manifest.Commands {
			if c == command {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// --- capability.ConfigHost ---
//
// GetConfig/SetConfig back the host.get_config/host.set_config sandbox
// bindings: a plugin reading or persisting its own config. SetConfig does
// not re-run schema validation (the plugin is trusted with its own shape)
// and deliberately does not invoke onConfigUpdated, since it is always
// called from inside a hook the sandbox's mutex is already held by —
// re-entering the same sandbox here would deadlock.

func (r *Registry) GetConfig(pluginID string) (json.RawMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pluginID]
	if !ok {
		return nil, hosterr.New(hosterr.NotFound, "plugin "+pluginID+" is not installed")
	}
	return e.Manifest.Config, nil
}

func (r *Registry) SetConfig(ctx context.Context, pluginID string, cfg json.RawMessage) error {
	r.mu.Lock()
	e, ok := r.entries[pluginID]
	if !ok {
		r.mu.Unlock()
		return hosterr.New(hosterr.NotFound, "plugin "+pluginID+" is not installed")
	}
	e.Manifest.Config = append(json.RawMessage(nil), cfg...)
	manifestCopy := e.Manifest
	r.mu.Unlock()

	if err := r.store.WriteManifest(manifestCopy.Type, pluginID, manifestCopy); err != nil {
		return err
	}
	return r.save()
}
