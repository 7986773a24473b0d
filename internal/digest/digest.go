// Package digest computes a deterministic manifest digest over an extracted
// distribution tree: a sorted, line-oriented walk of every file, symlink,
// and directory, hashed as a whole. This stands in for "the target
// ecosystem's canonical manifest digest" referenced by the sdist converter;
// no library in the retrieved corpus implements one, so it is hand-written
// against stdlib crypto/sha256 and io/fs (see DESIGN.md).
package digest

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedDistribution is returned when a path within the tree cannot
// be represented in the manifest's line format (non-UTF-8 names).
var ErrUnsupportedDistribution = errors.New("digest: path is not valid UTF-8")

// ErrInvalidDistribution is returned when the walk cannot read part of the
// tree due to filesystem permissions.
var ErrInvalidDistribution = errors.New("digest: permission denied while walking tree")

// ManifestOf computes the sha256 digest of root's manifest, returned
// base32-encoded with no algorithm prefix (the caller renders it as
// sha256new=<digest>), matching the target ecosystem's own digest ID
// encoding (0install's manifest.get_algorithm('sha256new')).
func ManifestOf(root string) (string, error) {
	var sb strings.Builder
	if err := appendManifest(root, "", &sb); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:]), nil
}

func appendManifest(root, prefix string, sb *strings.Builder) error {
	dirPath := filepath.Join(root, prefix)
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return wrapWalkErr(err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var subdirs []string
	for _, entry := range entries {
		name := entry.Name()
		if !utf8.ValidString(name) {
			return ErrUnsupportedDistribution
		}
		full := filepath.Join(dirPath, name)
		info, err := entry.Info()
		if err != nil {
			return wrapWalkErr(err)
		}

		switch {
		case entry.IsDir():
			subdirs = append(subdirs, name)
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return wrapWalkErr(err)
			}
			sum := sha256.Sum256([]byte(target))
			fmt.Fprintf(sb, "S %s %d %s\n", hex.EncodeToString(sum[:]), len(target), name)
		default:
			data, err := os.ReadFile(full)
			if err != nil {
				return wrapWalkErr(err)
			}
			sum := sha256.Sum256(data)
			kind := "F"
			if info.Mode()&0o111 != 0 {
				kind = "X"
			}
			fmt.Fprintf(sb, "%s %s %d %d %s\n", kind, hex.EncodeToString(sum[:]), info.ModTime().Unix(), len(data), name)
		}
	}

	for _, name := range subdirs {
		childPrefix := filepath.Join(prefix, name)
		fmt.Fprintf(sb, "D /%s\n", filepath.ToSlash(childPrefix))
		if err := appendManifest(root, childPrefix, sb); err != nil {
			return err
		}
	}
	return nil
}

func wrapWalkErr(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return ErrInvalidDistribution
	}
	return err
}
