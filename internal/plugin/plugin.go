// Package plugin discovers plugin manifests on disk and keeps references to them
package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/progress"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

var log = util.GetLogger("plugin")

// Name is the registry name of the plugin store
const Name = "plugin"

const manifestFile = "manifest.json"

// Manifest describes a plugin
type Manifest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Applications []string `json:"applications"`
	Entrypoint   string   `json:"entrypoint,omitempty"`
}

// Reference points to the directory of a plugin and the applications it serves
type Reference struct {
	ID       string   `json:"id"`
	Location string   `json:"location"`
	Types    []string `json:"types"`
}

// Store keeps the known plugins
type Store struct {
	access    sync.Mutex
	pub       events.Publisher
	progress  *progress.Bus
	refsPath  string
	directory map[string]Reference
	cache     map[string]Manifest
}

// New creates a plugin store that persists its references at refsPath
func New(pub events.Publisher, pb *progress.Bus, refsPath string) *Store {
	return &Store{pub: pub, progress: pb, refsPath: refsPath, directory: map[string]Reference{}, cache: map[string]Manifest{}}
}

// Name returns the registry name of the store
func (s *Store) Name() string {
	return Name
}

// Load reads the persisted references. A missing file is not an error
func (s *Store) Load() error {
	data, err := os.ReadFile(s.refsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "Failed to read plugin references '%s'", s.refsPath)
	}
	refs := []Reference{}
	if err := json.Unmarshal(data, &refs); err != nil {
		log.Warnf("Ignoring corrupt plugin references '%s': %s", s.refsPath, err.Error())
		return nil
	}
	s.access.Lock()
	defer s.access.Unlock()
	for _, ref := range refs {
		s.directory[ref.ID] = ref
	}
	return nil
}

// ReadManifest parses the manifest.json inside a plugin directory
func ReadManifest(dir string) (Manifest, error) {
	path := filepath.Join(dir, manifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, errors.Wrapf(err, "Failed to read plugin manifest '%s'", path)
	}
	if !gjson.ValidBytes(data) {
		return Manifest{}, errors.Errorf("Invalid JSON in plugin manifest '%s'", path)
	}
	doc := gjson.ParseBytes(data)
	m := Manifest{
		ID:           doc.Get("id").String(),
		Name:         doc.Get("label").String(),
		Version:      doc.Get("version").String(),
		Description:  doc.Get("description").String(),
		Entrypoint:   doc.Get("entrypoint").String(),
		Applications: []string{},
	}
	if m.Name == "" {
		m.Name = doc.Get("name").String()
	}
	for _, app := range doc.Get("applications").Array() {
		m.Applications = append(m.Applications, app.String())
	}
	if m.ID == "" {
		return Manifest{}, errors.Errorf("Plugin manifest '%s' has no id", path)
	}
	return m, nil
}

// Scan finds every <dir>/*/manifest.json, caches the manifests and records references to them
func (s *Store) Scan(ctx context.Context, dir string) ([]Manifest, error) {
	s.progress.Start(progress.PluginScan, "Scan-Plugins", "Scanning "+dir)
	matches, err := filepath.Glob(filepath.Join(dir, "*", manifestFile))
	if err != nil {
		s.progress.Error(progress.PluginScan, "Failed to scan plugins", err)
		return nil, errors.Wrapf(err, "Failed to scan '%s'", dir)
	}

	found := []Manifest{}
	for i, match := range matches {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}
		pdir := filepath.Dir(match)
		m, err := ReadManifest(pdir)
		if err != nil {
			log.Warn(err.Error())
			continue
		}
		s.access.Lock()
		s.cache[m.ID] = m
		s.directory[m.ID] = Reference{ID: m.ID, Location: pdir, Types: m.Applications}
		s.access.Unlock()
		found = append(found, m)
		s.progress.Update(progress.PluginScan, "Found "+m.ID, float64(i+1)/float64(len(matches)))
	}
	s.progress.Complete(progress.PluginScan, "Plugin scan complete")
	log.Debugf("Found %d plugins in '%s'", len(found), dir)

	if err := s.SaveToFile(ctx); err != nil {
		log.Error(err.Error())
	}
	s.pub.Publish(events.Plugins, s.References())
	return found, nil
}

// References returns the known plugin references ordered by id
func (s *Store) References() []Reference {
	s.access.Lock()
	defer s.access.Unlock()
	refs := make([]Reference, 0, len(s.directory))
	for _, ref := range s.directory {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

// Get returns the manifest of a plugin, reading it from disk when it is not cached
func (s *Store) Get(id string) (Manifest, error) {
	s.access.Lock()
	m, cached := s.cache[id]
	ref, known := s.directory[id]
	s.access.Unlock()
	if cached {
		return m, nil
	}
	if !known {
		return Manifest{}, util.NewTypedError(util.ErrNotFound, "plugin '%s' not found", id)
	}

	m, err := ReadManifest(ref.Location)
	if err != nil {
		return Manifest{}, util.WrapTyped(err, util.ErrExternal, "failed to load plugin "+id)
	}
	s.access.Lock()
	s.cache[id] = m
	s.access.Unlock()
	return m, nil
}

// ByApplication returns the plugins serving an application
func (s *Store) ByApplication(app string) []Manifest {
	matches := []Manifest{}
	for _, ref := range s.References() {
		if found, _ := util.StringInSlice(app, ref.Types); !found {
			continue
		}
		m, err := s.Get(ref.ID)
		if err != nil {
			log.Warnf("Failed to load plugin %s from %s: %s", ref.ID, ref.Location, err.Error())
			continue
		}
		matches = append(matches, m)
	}
	return matches
}

// ClearCache drops the cached manifests, references are kept
func (s *Store) ClearCache(ctx context.Context) error {
	s.access.Lock()
	defer s.access.Unlock()
	s.cache = map[string]Manifest{}
	return nil
}

// SaveToFile writes the references atomically
func (s *Store) SaveToFile(ctx context.Context) error {
	data, err := json.MarshalIndent(s.References(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "Failed to encode plugin references")
	}
	if err := util.WriteFileAtomic(s.refsPath, data, 0644); err != nil {
		return errors.Wrap(err, "Failed to save plugin references")
	}
	return nil
}
