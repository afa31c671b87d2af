package behavior

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReferenceData is the read-only lookup material behaviors close over:
// where build environments live and which extra archives each owner
// class may pull dependencies from. Loaded once at startup.
type ReferenceData struct {
	// ChrootBaseURL is the root under which per-series build
	// environment tarballs are published.
	ChrootBaseURL string `yaml:"chroot_base_url"`
	// ArchiveDependencies maps an owner class to sources.list lines
	// added to the build environment.
	ArchiveDependencies map[string][]string `yaml:"archive_dependencies"`
	// DefaultEnv is merged into every start command's environment.
	DefaultEnv map[string]string `yaml:"default_env"`
}

// LoadReferenceData reads behavior reference data from a YAML file.
func LoadReferenceData(path string) (*ReferenceData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference data: %w", err)
	}
	var ref ReferenceData
	if err := yaml.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("parse reference data: %w", err)
	}
	if strings.TrimSpace(ref.ChrootBaseURL) == "" {
		return nil, fmt.Errorf("reference data: chroot_base_url is required")
	}
	return &ref, nil
}

// ChrootURL returns the build environment tarball URL for a series and
// architecture.
func (r *ReferenceData) ChrootURL(series, arch string) string {
	return fmt.Sprintf("%s/%s-%s.tar.gz", strings.TrimSuffix(r.ChrootBaseURL, "/"), series, arch)
}

// Dependencies returns the archive dependency lines for an owner class,
// falling back to the "default" entry.
func (r *ReferenceData) Dependencies(ownerClass string) []string {
	if lines, ok := r.ArchiveDependencies[ownerClass]; ok {
		return lines
	}
	return r.ArchiveDependencies["default"]
}

// Env returns a fresh copy of the default environment so behaviors can
// extend it without sharing state.
func (r *ReferenceData) Env() map[string]string {
	env := make(map[string]string, len(r.DefaultEnv))
	for k, v := range r.DefaultEnv {
		env[k] = v
	}
	return env
}
