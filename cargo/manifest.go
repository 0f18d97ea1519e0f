package cargo

import (
	"path"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// Manifest is the subset of Cargo.toml the builder needs.
type Manifest struct {
	Package struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
		Edition string `toml:"edition"`
	} `toml:"package"`
	Lib struct {
		Name      string   `toml:"name"`
		CrateType []string `toml:"crate-type"`
	} `toml:"lib"`
	Bin []struct {
		Name string `toml:"name"`
		Path string `toml:"path"`
	} `toml:"bin"`
}

// ReadManifest
//
//	Parses the Cargo.toml at path on fs.
func ReadManifest(fs afero.Fs, manifestPath string) (*Manifest, error) {
	buf, err := afero.ReadFile(fs, manifestPath)
	if err != nil {
		return nil, xerrors.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	meta, err := toml.Decode(string(buf), &m)
	if err != nil {
		return nil, xerrors.Errorf("%s: failed to parse TOML: %w", manifestPath, err)
	}
	if !meta.IsDefined("package", "name") || strings.TrimSpace(m.Package.Name) == "" {
		return nil, xerrors.Errorf("%s: missing package.name", manifestPath)
	}

	return &m, nil
}

// CrateNames returns every target name cargo reports for the package.
func (m *Manifest) CrateNames() []string {
	names := []string{crateName(m.Package.Name)}
	if m.Lib.Name != "" {
		names = append(names, crateName(m.Lib.Name))
	}
	for _, bin := range m.Bin {
		if bin.Name != "" {
			names = append(names, bin.Name)
		}
	}
	return names
}

// Owns reports whether an artifact belongs to the manifest's package.
func (m *Manifest) Owns(crate string) bool {
	for _, name := range m.CrateNames() {
		if name == crate || name == crateName(crate) {
			return true
		}
	}
	return false
}

// WasmArtifact picks the .wasm output from an artifact's files.
func WasmArtifact(event ArtifactEvent) (string, bool) {
	for _, f := range event.Filenames {
		if path.Ext(f) == ".wasm" {
			return f, true
		}
	}
	if path.Ext(event.Executable) == ".wasm" {
		return event.Executable, true
	}
	return "", false
}

// cargo reports library targets with dashes replaced
func crateName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}
