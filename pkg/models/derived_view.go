package models

import (
	"fmt"
	"strings"
	"time"
)

// DerivedView is a named, versioned materialised aggregate. The physical
// relation is PhysicalName(); bumping Version creates a fresh relation so a
// changed definition never collides with the old one.
type DerivedView struct {
	Name        string   `yaml:"name" json:"name"`
	Version     int      `yaml:"version" json:"version"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Definition  string   `yaml:"definition" json:"-"`
	UniqueKey   []string `yaml:"unique_key" json:"unique_key"`
	// Indexes lists extra non-unique single-column indexes.
	Indexes []string `yaml:"indexes" json:"indexes,omitempty"`

	LastRefreshedAt *time.Time `yaml:"-" json:"last_refreshed_at,omitempty"`
	LastError       string     `yaml:"-" json:"last_error,omitempty"`
}

// PhysicalName returns the relation name the view is materialised under.
func (v *DerivedView) PhysicalName() string {
	version := v.Version
	if version <= 0 {
		version = 1
	}
	return fmt.Sprintf("%s_v%d", v.Name, version)
}

// Validate checks the definition before any DDL is rendered from it.
func (v *DerivedView) Validate() error {
	if !IsIdentifier(v.Name) || strings.Contains(v.Name, ".") {
		return fmt.Errorf("invalid view name %q", v.Name)
	}
	if strings.TrimSpace(v.Definition) == "" {
		return fmt.Errorf("view %s has an empty definition", v.Name)
	}
	if len(v.UniqueKey) == 0 {
		return fmt.Errorf("view %s needs a unique key for concurrent refresh", v.Name)
	}
	for _, col := range append(append([]string{}, v.UniqueKey...), v.Indexes...) {
		if !IsIdentifier(col) || strings.Contains(col, ".") {
			return fmt.Errorf("view %s: invalid index column %q", v.Name, col)
		}
	}
	return nil
}
