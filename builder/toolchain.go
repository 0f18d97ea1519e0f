package builder

import (
	"context"
	"strings"

	"cdr.dev/slog"
	"github.com/hashicorp/go-version"
	"golang.org/x/xerrors"

	"playground/utils"
)

// Toolchain describes the binaries a builder runs.
type Toolchain struct {
	Cargo   *version.Version
	Bindgen string
}

// CheckToolchain
//
//	Verifies that cargo and wasm-bindgen can be executed and that cargo is
//	at least the configured minimum version.
func (b *Builder) CheckToolchain(ctx context.Context) (*Toolchain, error) {
	res, err := utils.ExecuteCommand(ctx, utils.Command{Binary: b.Config.CargoBinary, Args: []string{"--version"}})
	if err != nil {
		return nil, xerrors.Errorf("failed to execute cargo: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, xerrors.Errorf(
			"cargo version command returned non-zero exit code: %v\n    stdout: %s\n    stderr: %v",
			res.ExitCode, res.Stdout, res.Stderr,
		)
	}

	cargoVersion, err := parseToolVersion(res.Stdout)
	if err != nil {
		return nil, xerrors.Errorf("cargo version command returned invalid version: %w\n    stdout: %s", err, res.Stdout)
	}

	if b.Config.MinCargoVersion != "" {
		minVersion, err := version.NewVersion(b.Config.MinCargoVersion)
		if err != nil {
			return nil, xerrors.Errorf("invalid minimum cargo version %q: %w", b.Config.MinCargoVersion, err)
		}
		if cargoVersion.LessThan(minVersion) {
			return nil, xerrors.Errorf("cargo %s is older than the required %s", cargoVersion, minVersion)
		}
	}

	res, err = utils.ExecuteCommand(ctx, utils.Command{Binary: b.Config.BindgenBinary, Args: []string{"--version"}})
	if err != nil {
		return nil, xerrors.Errorf("failed to execute wasm-bindgen: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, xerrors.Errorf("wasm-bindgen version command returned non-zero exit code: %v\n    stderr: %v", res.ExitCode, res.Stderr)
	}

	tc := &Toolchain{
		Cargo:   cargoVersion,
		Bindgen: strings.TrimSpace(res.Stdout),
	}
	b.Logger.Info(ctx, "toolchain ready", slog.F("cargo", tc.Cargo.String()), slog.F("wasm_bindgen", tc.Bindgen))
	return tc, nil
}

// parseToolVersion reads the version from output like
// "cargo 1.74.0 (ecb9851af 2023-10-18)".
func parseToolVersion(out string) (*version.Version, error) {
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return nil, xerrors.New("unexpected version output")
	}
	return version.NewVersion(fields[1])
}
