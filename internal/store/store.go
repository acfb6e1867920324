// Package store implements the on-disk plugin package layout: atomic
// install/remove of a package's file tree and read/write of its manifest.
package store

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nbot-dev/nbot/internal/hosterr"
	"github.com/nbot-dev/nbot/internal/ids"
	nplugin "github.com/nbot-dev/nbot/pkg/plugin"
)

const (
	maxMembers         = 10_000
	maxUncompressed    = 200 * 1024 * 1024 // 200 MiB
	manifestJSONName   = "manifest.json"
	manifestYAMLName   = "manifest.yaml"
)

// Store owns the on-disk layout rooted at <data>/plugins/<type>/<id>/.
type Store struct {
	Root string
}

// New returns a Store rooted at root (typically <data>/plugins).
func New(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) typeDir(t nplugin.Type) string {
	return filepath.Join(s.Root, string(t))
}

func (s *Store) pluginDir(t nplugin.Type, id string) string {
	return filepath.Join(s.typeDir(t), id)
}

// PluginDir exposes an installed plugin's root directory, e.g. for the
// market reconciler to stage a download alongside it.
func (s *Store) PluginDir(t nplugin.Type, id string) string {
	return s.pluginDir(t, id)
}

// ReadEntry resolves manifest.entry against an installed plugin's directory
// and returns its source text. An entry naming a directory loads index.js
// from inside it.
func (s *Store) ReadEntry(t nplugin.Type, id, entry string) (string, error) {
	p := filepath.Join(s.pluginDir(t, id), filepath.FromSlash(entry))
	info, err := os.Stat(p)
	if err != nil {
		return "", hosterr.Wrap(hosterr.IoError, "locating plugin entry", err)
	}
	if info.IsDir() {
		p = filepath.Join(p, "index.js")
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", hosterr.Wrap(hosterr.IoError, "reading plugin entry", err)
	}
	return string(b), nil
}

// member is one regular file extracted from an archive, held in memory until
// the whole archive has validated successfully.
type member struct {
	path  string
	bytes []byte
}

// InstallFromBytes validates a tar+gzip package, writes its file tree
// atomically into plugins/<type>/<id>/, and returns the parsed manifest.
// Any pre-existing directory for the same id is removed only after the new
// one has been renamed into place.
func (s *Store) InstallFromBytes(data []byte) (nplugin.Manifest, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nplugin.Manifest{}, hosterr.Wrap(hosterr.BadArchive, "not a gzip stream", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	members := make([]member, 0, 64)
	var total int64
	var rawManifest []byte
	var manifestIsYAML bool

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nplugin.Manifest{}, hosterr.Wrap(hosterr.BadArchive, "corrupt tar stream", err)
		}
		if hdr.Typeflag != tar.TypeReg && hdr.Typeflag != tar.TypeDir {
			continue
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}

		name := filepath.ToSlash(hdr.Name)
		if err := validateMemberPath(name); err != nil {
			return nplugin.Manifest{}, err
		}

		if len(members) >= maxMembers {
			return nplugin.Manifest{}, hosterr.New(hosterr.BadArchive, "archive exceeds member count limit")
		}
		total += hdr.Size
		if total > maxUncompressed {
			return nplugin.Manifest{}, hosterr.New(hosterr.BadArchive, "archive exceeds uncompressed size limit")
		}

		buf := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, buf); err != nil {
			return nplugin.Manifest{}, hosterr.Wrap(hosterr.BadArchive, "truncated archive member", err)
		}

		switch name {
		case manifestJSONName:
			rawManifest = buf
			manifestIsYAML = false
			continue
		case manifestYAMLName:
			if rawManifest == nil {
				rawManifest = buf
				manifestIsYAML = true
			}
			continue
		}
		members = append(members, member{path: name, bytes: buf})
	}

	if rawManifest == nil {
		return nplugin.Manifest{}, hosterr.New(hosterr.ManifestMissing, "package missing manifest.json")
	}

	manifest, err := parseManifestBytes(rawManifest, manifestIsYAML)
	if err != nil {
		return nplugin.Manifest{}, err
	}
	if err := ids.Validate(manifest.ID); err != nil {
		return nplugin.Manifest{}, err
	}
	if manifest.Type != nplugin.TypeBot && manifest.Type != nplugin.TypePlatform {
		return nplugin.Manifest{}, hosterr.New(hosterr.InvalidManifest, "manifest type must be bot or platform")
	}

	finalDir := s.pluginDir(manifest.Type, manifest.ID)
	stagingDir := finalDir + ".new-" + uuid.NewString()

	if err := writeTree(stagingDir, members, rawManifest, manifestIsYAML); err != nil {
		os.RemoveAll(stagingDir)
		return nplugin.Manifest{}, err
	}

	var previousDir string
	if _, err := os.Stat(finalDir); err == nil {
		previousDir = finalDir + ".old-" + uuid.NewString()
		if err := os.Rename(finalDir, previousDir); err != nil {
			os.RemoveAll(stagingDir)
			return nplugin.Manifest{}, hosterr.Wrap(hosterr.IoError, "moving previous install aside", err)
		}
	}
	if err := os.Rename(stagingDir, finalDir); err != nil {
		os.RemoveAll(stagingDir)
		if previousDir != "" {
			os.Rename(previousDir, finalDir)
		}
		return nplugin.Manifest{}, hosterr.Wrap(hosterr.IoError, "finalizing install", err)
	}
	if previousDir != "" {
		os.RemoveAll(previousDir)
	}

	return manifest, nil
}

func writeTree(dir string, members []member, rawManifest []byte, manifestIsYAML bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return hosterr.Wrap(hosterr.IoError, "creating staging directory", err)
	}
	for _, m := range members {
		dest := filepath.Join(dir, filepath.FromSlash(m.path))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return hosterr.Wrap(hosterr.IoError, "creating parent directory", err)
		}
		if err := os.WriteFile(dest, m.bytes, 0o644); err != nil {
			return hosterr.Wrap(hosterr.IoError, "writing package member", err)
		}
	}
	name := manifestJSONName
	if manifestIsYAML {
		name = manifestYAMLName
	}
	if err := os.WriteFile(filepath.Join(dir, name), rawManifest, 0o644); err != nil {
		return hosterr.Wrap(hosterr.IoError, "writing manifest", err)
	}
	return nil
}

func validateMemberPath(name string) error {
	if name == "" {
		return hosterr.New(hosterr.BadArchive, "empty member path")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return hosterr.New(hosterr.PathTraversal, "absolute path in archive: "+name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return hosterr.New(hosterr.PathTraversal, "parent traversal in archive: "+name)
		}
	}
	return nil
}

func parseManifestBytes(raw []byte, isYAML bool) (nplugin.Manifest, error) {
	var m nplugin.Manifest
	var err error
	if isYAML {
		err = yaml.Unmarshal(raw, &m)
	} else {
		err = json.Unmarshal(raw, &m)
	}
	if err != nil {
		return nplugin.Manifest{}, hosterr.Wrap(hosterr.InvalidManifest, "parsing manifest", err)
	}
	if m.ID == "" {
		return nplugin.Manifest{}, hosterr.New(hosterr.InvalidManifest, "manifest missing id")
	}
	return m, nil
}

// Remove deletes the installed file tree for id. Removing an unknown id is
// not an error (mirrors a plain filesystem rm of an already-gone directory).
func (s *Store) Remove(t nplugin.Type, id string) error {
	if err := os.RemoveAll(s.pluginDir(t, id)); err != nil {
		return hosterr.Wrap(hosterr.IoError, "removing plugin directory", err)
	}
	return nil
}

// ReadManifest reads and parses manifest.json (or manifest.yaml) from an
// installed plugin's directory into the typed struct. Fields the struct
// doesn't model are not returned; WriteManifest keeps them by merging with
// the file on disk.
func (s *Store) ReadManifest(t nplugin.Type, id string) (nplugin.Manifest, error) {
	dir := s.pluginDir(t, id)
	raw, isYAML, err := readManifestFile(dir)
	if err != nil {
		return nplugin.Manifest{}, err
	}
	return parseManifestBytes(raw, isYAML)
}

func readManifestFile(dir string) ([]byte, bool, error) {
	if raw, err := os.ReadFile(filepath.Join(dir, manifestJSONName)); err == nil {
		return raw, false, nil
	}
	if raw, err := os.ReadFile(filepath.Join(dir, manifestYAMLName)); err == nil {
		return raw, true, nil
	}
	return nil, false, hosterr.New(hosterr.ManifestMissing, "manifest.json not found in "+dir)
}

// WriteManifest atomically rewrites manifest.json for an installed plugin,
// preserving any unknown top-level JSON fields already on disk (the host
// only ever needs to update known fields such as config and signature).
func (s *Store) WriteManifest(t nplugin.Type, id string, m nplugin.Manifest) error {
	dir := s.pluginDir(t, id)
	merged, err := mergeManifest(dir, m)
	if err != nil {
		return err
	}
	return atomicWriteFile(filepath.Join(dir, manifestJSONName), merged)
}

func mergeManifest(dir string, m nplugin.Manifest) ([]byte, error) {
	known, err := json.Marshal(m)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.InvalidManifest, "encoding manifest", err)
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, hosterr.Wrap(hosterr.InvalidManifest, "encoding manifest", err)
	}

	merged := map[string]json.RawMessage{}
	if raw, err := os.ReadFile(filepath.Join(dir, manifestJSONName)); err == nil {
		_ = json.Unmarshal(raw, &merged) // best-effort; overwritten below regardless
	}
	for k, v := range knownMap {
		merged[k] = v
	}

	out, err := marshalIndentStable(merged)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.InvalidManifest, "encoding manifest", err)
	}
	return out, nil
}

func marshalIndentStable(m map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, k := range keys {
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteString(": ")
		buf.Write(m[k])
		if i < len(keys)-1 {
			buf.WriteString(",")
		}
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return hosterr.Wrap(hosterr.IoError, "writing temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return hosterr.Wrap(hosterr.IoError, "renaming temp file", err)
	}
	return nil
}

// ListInstalled returns the manifests of every installed plugin across both
// type directories, sorted deterministically by id.
func (s *Store) ListInstalled() ([]nplugin.Manifest, error) {
	var out []nplugin.Manifest
	for _, t := range []nplugin.Type{nplugin.TypeBot, nplugin.TypePlatform} {
		dir := s.typeDir(t)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, hosterr.Wrap(hosterr.IoError, "listing plugin directory", err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			m, err := s.ReadManifest(t, e.Name())
			if err != nil {
				return nil, fmt.Errorf("reading manifest for %s/%s: %w", t, e.Name(), err)
			}
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Files walks an installed plugin's directory tree and returns every regular
// file except manifest.json/manifest.yaml, suitable for ids.TreeHash.
func (s *Store) Files(t nplugin.Type, id string) ([]ids.File, error) {
	dir := s.pluginDir(t, id)
	var out []ids.File
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == manifestJSONName || rel == manifestYAMLName {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, ids.File{Path: rel, Bytes: b})
		return nil
	})
	if err != nil {
		return nil, hosterr.Wrap(hosterr.IoError, "walking plugin directory", err)
	}
	return out, nil
}
