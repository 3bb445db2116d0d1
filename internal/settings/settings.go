// Package settings persists the user settings and reloads them when the file is edited externally
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/Masterminds/semver"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

var log = util.GetLogger("settings")

// Name is the registry name of the settings store
const Name = "settings"

// settings files older than this are replaced by the defaults
const settingsVersion = "0.10.4"

// Settings are the user preferences of the daemon
type Settings struct {
	Version          string          `yaml:"version" json:"version"`
	CallbackPort     int             `yaml:"callbackPort" json:"callbackPort" validate:"min=1,max=65535"`
	DevicePort       int             `yaml:"devicePort" json:"devicePort" validate:"min=1,max=65535"`
	Address          string          `yaml:"address" json:"address" validate:"required,ip"`
	LogLevel         string          `yaml:"logLevel" json:"logLevel" validate:"oneof=trace debug info warn error"`
	AutoStart        bool            `yaml:"autoStart" json:"autoStart"`
	AutoConfig       bool            `yaml:"autoConfig" json:"autoConfig"`
	MinimizeApp      bool            `yaml:"minimizeApp" json:"minimizeApp"`
	GlobalADB        bool            `yaml:"globalADB" json:"globalADB"`
	AutoDetectADB    bool            `yaml:"autoDetectADB" json:"autoDetectADB"`
	RefreshInterval  int             `yaml:"refreshInterval" json:"refreshInterval" validate:"min=-1"`
	PlaybackLocation string          `yaml:"playbackLocation" json:"playbackLocation"`
	AppRepos         []string        `yaml:"appRepos" json:"appRepos" validate:"dive,required"`
	ClientRepos      []string        `yaml:"clientRepos" json:"clientRepos" validate:"dive,required"`
	Flags            map[string]bool `yaml:"flags" json:"flags"`
	LocalIP          []string        `yaml:"-" json:"localIp"`
}

// Defaults returns the settings used when no valid settings file exists
func Defaults() Settings {
	return Settings{
		Version:          settingsVersion,
		CallbackPort:     8888,
		DevicePort:       8891,
		Address:          "0.0.0.0",
		LogLevel:         "info",
		MinimizeApp:      true,
		RefreshInterval:  -1,
		PlaybackLocation: "none",
		AppRepos:         []string{"https://github.com/ItsRiprod/deskthing-apps"},
		ClientRepos:      []string{"https://github.com/ItsRiprod/deskthing-client"},
		Flags:            map[string]bool{},
	}
}

// Store keeps the settings in memory and in a YAML file
type Store struct {
	access sync.Mutex
	// serializes read-modify-save sequences
	write    sync.Mutex
	pub      events.Publisher
	path     string
	settings Settings
	written  []byte
	validate *validator.Validate
}

// New creates a settings store backed by the file at path
func New(pub events.Publisher, path string) *Store {
	return &Store{pub: pub, path: path, settings: Defaults(), validate: validator.New()}
}

// Name returns the registry name of the store
func (s *Store) Name() string {
	return Name
}

// Load reads the settings file. A missing, unreadable or outdated file is replaced by the defaults
func (s *Store) Load(ctx context.Context) error {
	s.write.Lock()
	defer s.write.Unlock()
	settings, err := s.read()
	if err != nil {
		log.Warnf("Using default settings: %s", err.Error())
		settings = Defaults()
		s.access.Lock()
		s.settings = settings
		s.access.Unlock()
		return s.SaveToFile(ctx)
	}
	s.access.Lock()
	s.settings = settings
	s.access.Unlock()
	log.Debugf("Loaded settings from '%s'", s.path)
	return nil
}

func (s *Store) read() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Settings{}, errors.Wrapf(err, "Failed to read settings file '%s'", s.path)
	}
	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, errors.Wrapf(err, "Failed to parse settings file '%s'", s.path)
	}
	if err := checkVersion(settings.Version); err != nil {
		return Settings{}, err
	}
	if settings.Flags == nil {
		settings.Flags = map[string]bool{}
	}
	if err := s.validate.Struct(settings); err != nil {
		return Settings{}, errors.Wrap(err, "Invalid settings file")
	}
	return settings, nil
}

func checkVersion(version string) error {
	if version == "" {
		return errors.New("settings file has no version")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return errors.Wrapf(err, "Cant parse settings version '%s'", version)
	}
	c, err := semver.NewConstraint(">= " + settingsVersion)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return errors.Errorf("settings version %s is older than %s", version, settingsVersion)
	}
	return nil
}

// Get returns a copy of the current settings
func (s *Store) Get() Settings {
	s.access.Lock()
	defer s.access.Unlock()
	return s.copy()
}

// copy returns a deep copy of the settings. Caller holds the lock
func (s *Store) copy() Settings {
	settings := s.settings
	settings.AppRepos = append([]string{}, s.settings.AppRepos...)
	settings.ClientRepos = append([]string{}, s.settings.ClientRepos...)
	settings.Flags = make(map[string]bool, len(s.settings.Flags))
	for k, v := range s.settings.Flags {
		settings.Flags[k] = v
	}
	if ips, err := util.GetLocalIPs(); err == nil {
		settings.LocalIP = ips
	}
	return settings
}

// Save validates and stores the settings, then publishes them
func (s *Store) Save(ctx context.Context, settings Settings) (Settings, error) {
	s.write.Lock()
	defer s.write.Unlock()
	return s.save(ctx, settings)
}

// save stores the settings and restores the previous ones when they cant be written. Caller holds the write lock
func (s *Store) save(ctx context.Context, settings Settings) (Settings, error) {
	settings.Version = settingsVersion
	if settings.Flags == nil {
		settings.Flags = map[string]bool{}
	}
	if err := s.validate.Struct(settings); err != nil {
		return Settings{}, util.WrapTyped(err, util.ErrValidation, "invalid settings")
	}

	s.access.Lock()
	previous := s.settings
	s.settings = settings
	s.access.Unlock()
	if err := s.SaveToFile(ctx); err != nil {
		s.access.Lock()
		s.settings = previous
		s.access.Unlock()
		return Settings{}, err
	}
	saved := s.Get()
	s.pub.Publish(events.SettingsUpdated, saved)
	return saved, nil
}

// Update changes a single setting, addressed by its JSON name
func (s *Store) Update(ctx context.Context, key string, value json.RawMessage) (Settings, error) {
	s.write.Lock()
	defer s.write.Unlock()
	current := s.Get()
	raw, err := json.Marshal(current)
	if err != nil {
		return Settings{}, errors.Wrap(err, "Failed to encode settings")
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Settings{}, errors.Wrap(err, "Failed to decode settings")
	}
	if _, found := fields[key]; !found || key == "version" || key == "localIp" {
		return Settings{}, util.NewTypedError(util.ErrValidation, "unknown setting '%s'", key)
	}
	fields[key] = value
	if raw, err = json.Marshal(fields); err != nil {
		return Settings{}, errors.Wrap(err, "Failed to encode settings")
	}
	var updated Settings
	if err := json.Unmarshal(raw, &updated); err != nil {
		return Settings{}, util.WrapTyped(err, util.ErrValidation, "invalid value for setting "+key)
	}
	return s.save(ctx, updated)
}

// GetFlag returns the value of a flag, false when unset
func (s *Store) GetFlag(flag string) bool {
	s.access.Lock()
	defer s.access.Unlock()
	return s.settings.Flags[flag]
}

// SetFlag sets a flag and saves the settings
func (s *Store) SetFlag(ctx context.Context, flag string, value bool) error {
	if flag == "" {
		return util.NewTypedError(util.ErrValidation, "flag name is required")
	}
	s.write.Lock()
	defer s.write.Unlock()
	return s.setFlag(ctx, flag, value)
}

func (s *Store) setFlag(ctx context.Context, flag string, value bool) error {
	settings := s.Get()
	settings.Flags[flag] = value
	_, err := s.save(ctx, settings)
	return err
}

// ToggleFlag flips a flag and returns its new value
func (s *Store) ToggleFlag(ctx context.Context, flag string) (bool, error) {
	if flag == "" {
		return false, util.NewTypedError(util.ErrValidation, "flag name is required")
	}
	s.write.Lock()
	defer s.write.Unlock()
	value := !s.GetFlag(flag)
	if err := s.setFlag(ctx, flag, value); err != nil {
		return false, err
	}
	return value, nil
}

// ClearCache reloads the settings from disk
func (s *Store) ClearCache(ctx context.Context) error {
	return s.Load(ctx)
}

// SaveToFile writes the settings file atomically
func (s *Store) SaveToFile(ctx context.Context) error {
	s.access.Lock()
	data, err := yaml.Marshal(s.settings)
	if err == nil {
		s.written = data
	}
	s.access.Unlock()
	if err != nil {
		return errors.Wrap(err, "Failed to encode settings")
	}
	if err := util.WriteFileAtomic(s.path, data, 0644); err != nil {
		return errors.Wrap(err, "Failed to save settings")
	}
	return nil
}

// reload is called by the watcher when the file changed on disk
func (s *Store) reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	s.access.Lock()
	own := bytes.Equal(data, s.written)
	s.access.Unlock()
	if own {
		return
	}

	s.write.Lock()
	defer s.write.Unlock()
	settings, err := s.read()
	if err != nil {
		log.Warnf("Ignoring external settings change: %s", err.Error())
		return
	}
	s.access.Lock()
	s.settings = settings
	s.written = data
	s.access.Unlock()
	log.Info("Settings file changed on disk, reloaded")
	s.pub.Publish(events.SettingsUpdated, s.Get())
}
