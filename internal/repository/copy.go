package repository

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// tempPrefix marks in-flight copies. They live next to their destination so
// the final rename never crosses a filesystem.
const tempPrefix = ".filehistory-"

func isTempName(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}

// copyFile copies src to dst and carries over the permission bits and
// modification time of info. The data is written to a temporary file in the
// directory of dst and renamed over dst only once complete, so dst is either
// untouched or holds the full copy.
func copyFile(src, dst string, info fs.FileInfo) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", dst, err)
	}
	tmp := out.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		_ = out.Close()
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}

	mtime := info.ModTime()
	if err := os.Chtimes(tmp, mtime, mtime); err != nil {
		return fmt.Errorf("chtimes %s: %w", dst, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename into %s: %w", dst, err)
	}
	return nil
}
