package usermgr

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/octoplane/octoplane/pkg/types"
)

// fileModeFromOctal converts a validated 3-4 digit octal mode string's
// numeric value into an os.FileMode, mapping the setuid/setgid/sticky
// bits onto their Go flag equivalents (os.Chmod ignores the raw octal
// high bits).
func fileModeFromOctal(mode uint64) os.FileMode {
	m := os.FileMode(mode & 0o777)
	if mode&0o4000 != 0 {
		m |= os.ModeSetuid
	}
	if mode&0o2000 != 0 {
		m |= os.ModeSetgid
	}
	if mode&0o1000 != 0 {
		m |= os.ModeSticky
	}
	return m
}

// chownPath resolves username/group to numeric ids and chowns path,
// optionally walking the tree. Symlinks are never followed: os.Lstat is
// used to decide per-entry type during a recursive walk.
func chownPath(path, username, group string, recursive bool) error {
	u, err := user.Lookup(username)
	if err != nil {
		return types.Wrap(types.ErrNotFound, "owner user not found", err)
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return types.Wrap(types.ErrNotFound, "owner group not found", err)
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(g.Gid)

	if !recursive {
		if err := os.Lchown(path, uid, gid); err != nil {
			return types.Wrap(types.ErrIOError, "chown failed", err)
		}
		return nil
	}

	return filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(p, uid, gid)
	})
}

// copyTree copies src into dst, preserving directory structure. Symlinks
// in the template source are skipped rather than followed, matching the
// no-symlink-following discipline the validators enforce elsewhere.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(p, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return nil
}
