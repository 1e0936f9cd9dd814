package supervisor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// stageFile copies src over dst through a temp file in dst's directory and a
// rename, keeping src's permission bits.
func stageFile(src, dst string) (err error) {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return fmt.Errorf("stage: open source: %w", err)
	}
	defer func() { _ = in.Close() }()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stage: stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("stage: %s is not a regular file", src)
	}

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".stage-*")
	if err != nil {
		return fmt.Errorf("stage: temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("stage: copy: %w", err)
	}
	if err = tmp.Chmod(info.Mode().Perm()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("stage: chmod: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("stage: close: %w", err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("stage: rename: %w", err)
	}
	return nil
}
