package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// lockFiles are browser lock artifacts that must never be persisted; a
// copied lock makes the restored profile unusable.
var lockFiles = map[string]bool{
	"parent.lock":     true,
	"lock":            true,
	".parentlock":     true,
	"SingletonLock":   true,
	"SingletonCookie": true,
}

// copyProfileTree copies src into dst, skipping lock files. dst is created
// if missing.
func copyProfileTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if lockFiles[info.Name()] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		// Symlinks and other irregular entries are not part of a profile
		// worth keeping.
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// persistProfile copies the live profile to the permanent path. When replace
// is set the copy goes through a temp directory and atomically swaps in,
// so a failed copy never destroys the previous good profile. An empty temp
// copy is fatal.
func persistProfile(liveDir, permanentDir string, replace bool) error {
	if replace {
		tmp := permanentDir + "__tmp"
		if err := os.RemoveAll(tmp); err != nil {
			return fmt.Errorf("session: clearing temp profile: %w", err)
		}
		if err := copyProfileTree(liveDir, tmp); err != nil {
			os.RemoveAll(tmp)
			return fmt.Errorf("session: copying profile: %w", err)
		}
		entries, err := os.ReadDir(tmp)
		if err != nil || len(entries) == 0 {
			os.RemoveAll(tmp)
			return fmt.Errorf("%w: temp profile copy at %s is empty", ErrProfilePersistence, tmp)
		}
		if err := os.RemoveAll(permanentDir); err != nil {
			return fmt.Errorf("session: removing old profile: %w", err)
		}
		if err := os.Rename(tmp, permanentDir); err != nil {
			return fmt.Errorf("session: swapping profile: %w", err)
		}
		return nil
	}

	if err := copyProfileTree(liveDir, permanentDir); err != nil {
		return fmt.Errorf("session: copying profile: %w", err)
	}
	entries, err := os.ReadDir(permanentDir)
	if err != nil || len(entries) == 0 {
		return fmt.Errorf("%w: profile copy at %s is empty", ErrProfilePersistence, permanentDir)
	}
	return nil
}
