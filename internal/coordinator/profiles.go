package coordinator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"aircontrolbase-go-home/internal/climate"

	"gopkg.in/yaml.v3"
)

// Profile overrides the defaults for one indoor unit.
// A profile matches by vendor id, or by vendor name when ID is empty.
type Profile struct {
	ID           string   `yaml:"id,omitempty"`
	Name         string   `yaml:"name,omitempty"`
	FriendlyName string   `yaml:"friendly_name,omitempty"`
	MinTemp      int      `yaml:"min_temp,omitempty"`
	MaxTemp      int      `yaml:"max_temp,omitempty"`
	FanModes     []string `yaml:"fan_modes,omitempty"`
	SwingModes   []string `yaml:"swing_modes,omitempty"`
}

// Limits converts the profile into climate limits.
func (p *Profile) Limits() climate.Limits {
	if p == nil {
		return climate.Limits{}
	}
	return climate.Limits{
		MinTemp:    p.MinTemp,
		MaxTemp:    p.MaxTemp,
		FanModes:   p.FanModes,
		SwingModes: p.SwingModes,
	}
}

func (p *Profile) validate() error {
	if p.ID == "" && p.Name == "" {
		return fmt.Errorf("profile needs an id or a name")
	}
	minT, maxT := p.MinTemp, p.MaxTemp
	if minT == 0 {
		minT = climate.DefaultMinTemp
	}
	if maxT == 0 {
		maxT = climate.DefaultMaxTemp
	}
	if minT >= maxT {
		return fmt.Errorf("min_temp %d must be below max_temp %d", minT, maxT)
	}
	for _, f := range p.FanModes {
		if !slices.Contains(climate.DefaultFanModes, f) {
			return fmt.Errorf("%w: %q", climate.ErrInvalidFanMode, f)
		}
	}
	for _, s := range p.SwingModes {
		if !slices.Contains(climate.DefaultSwingModes, s) {
			return fmt.Errorf("%w: %q", climate.ErrInvalidSwingMode, s)
		}
	}
	return nil
}

// ProfileDB holds unit profiles keyed by vendor id and by vendor name.
type ProfileDB struct {
	byID   map[string]*Profile
	byName map[string]*Profile
}

// NewProfileDB creates an empty profile database.
func NewProfileDB() *ProfileDB {
	return &ProfileDB{
		byID:   make(map[string]*Profile),
		byName: make(map[string]*Profile),
	}
}

// Add inserts a profile into the database.
func (db *ProfileDB) Add(p Profile) {
	cp := p
	if cp.ID != "" {
		db.byID[cp.ID] = &cp
		return
	}
	db.byName[strings.ToLower(cp.Name)] = &cp
}

// Lookup finds a profile by vendor id, then by vendor name. It returns nil
// when no profile applies.
func (db *ProfileDB) Lookup(id, name string) *Profile {
	if db == nil {
		return nil
	}
	if p := db.byID[id]; p != nil {
		return p
	}
	return db.byName[strings.ToLower(name)]
}

// Len returns the number of profiles.
func (db *ProfileDB) Len() int {
	if db == nil {
		return 0
	}
	return len(db.byID) + len(db.byName)
}

// profileFile is the YAML structure for files in the devices directory.
type profileFile struct {
	Devices []Profile `yaml:"devices"`
}

// LoadProfileDir reads all *.yaml and *.yml files from a directory into a ProfileDB.
// Returns an empty ProfileDB (not an error) if the directory doesn't exist or is empty.
func LoadProfileDir(dir string, logger *slog.Logger) (*ProfileDB, error) {
	db := NewProfileDB()
	if dir == "" {
		return db, nil
	}

	var matches []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return db, fmt.Errorf("glob devices dir: %w", err)
		}
		matches = append(matches, m...)
	}
	if len(matches) == 0 {
		logger.Info("no device profile files found", "dir", dir)
		return db, nil
	}
	slices.Sort(matches)

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var pf profileFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}

		for i := range pf.Devices {
			if err := pf.Devices[i].validate(); err != nil {
				return db, fmt.Errorf("%s: device %d: %w", path, i, err)
			}
			db.Add(pf.Devices[i])
		}
		logger.Info("loaded device profile file", "path", filepath.Base(path), "devices", len(pf.Devices))
	}

	logger.Info("device profiles loaded", "files", len(matches), "profiles", db.Len())
	return db, nil
}
