package builder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// Workspace is a cargo project owned by a single worker. Its target
// directory survives between builds so dependencies compile once.
type Workspace struct {
	ID  int
	Dir string
}

// PrepareWorkspace
//
//	Returns the workspace for worker id, copying the template project into
//	it on first use.
func (b *Builder) PrepareWorkspace(id int) (*Workspace, error) {
	ws := &Workspace{
		ID:  id,
		Dir: filepath.Join(b.Config.WorkspaceRoot, fmt.Sprintf("worker-%d", id)),
	}

	exists, err := afero.Exists(b.Fs, filepath.Join(ws.Dir, "Cargo.toml"))
	if err != nil {
		return nil, xerrors.Errorf("failed to stat workspace: %w", err)
	}
	if exists {
		return ws, nil
	}

	if err := copyTree(b.Fs, b.Config.Template, ws.Dir); err != nil {
		return nil, xerrors.Errorf("failed to copy template into workspace %d: %w", id, err)
	}

	return ws, nil
}

// WriteSource replaces the user source file of the workspace.
func (ws *Workspace) WriteSource(fs afero.Fs, sourceFile, source string) error {
	p := filepath.Join(ws.Dir, sourceFile)
	if err := fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, p, []byte(source), 0o644)
}

func copyTree(fs afero.Fs, src, dst string) error {
	return afero.Walk(fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		// never copy build output of the template
		if info.IsDir() && rel == "target" {
			return filepath.SkipDir
		}
		if info.IsDir() {
			return fs.MkdirAll(target, 0o755)
		}

		in, err := fs.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := fs.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			_ = out.Close()
			return err
		}
		return out.Close()
	})
}
