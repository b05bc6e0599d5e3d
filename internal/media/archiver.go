package media

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/avdeyev/shopvault/internal/checksum"
	"github.com/avdeyev/shopvault/internal/utils"
)

// Entry records one archived media file.
type Entry struct {
	OriginalPath string
	ArchivedPath string
	RelativePath string
	Size         int64
	SHA256       string
}

// ArchiveResult aggregates one archive pass over a media tree.
type ArchiveResult struct {
	FileCount  int
	TotalBytes int64
	Entries    []Entry
	Warnings   []string
}

// RestoreResult aggregates one restore pass.
type RestoreResult struct {
	Restored int
	Failed   int
	Warnings []string
}

// Archive walks sourceRoot recursively and copies every regular file into
// destRoot preserving relative paths, hashing each copy. A missing source
// root is not an error: the result carries zero files and a warning, since
// a store without media assets is a valid backup subject.
func Archive(sourceRoot, destRoot string) (*ArchiveResult, error) {
	result := &ArchiveResult{}

	info, err := os.Stat(sourceRoot)
	if os.IsNotExist(err) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("media root %s does not exist, nothing to archive", sourceRoot))
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat media root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("media root %s is not a directory", sourceRoot)
	}

	if err := os.MkdirAll(destRoot, 0755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}

	err = filepath.WalkDir(sourceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(sourceRoot, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destRoot, rel)

		if err := utils.CopyFile(path, target); err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("failed to archive %s: %v", rel, err))
			return nil
		}

		hash, size, err := checksum.FileSHA256(target)
		if err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("failed to hash %s: %v", rel, err))
			return nil
		}

		result.Entries = append(result.Entries, Entry{
			OriginalPath: path,
			ArchivedPath: target,
			RelativePath: filepath.ToSlash(rel),
			Size:         size,
			SHA256:       hash,
		})
		result.FileCount++
		result.TotalBytes += size
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk media root: %w", err)
	}

	return result, nil
}

// Restore mirrors Archive: it copies every file from the archived tree back
// into the live media root, overwriting existing files. Per-file failures
// are collected as warnings and do not abort the walk.
func Restore(archivedRoot, liveRoot string) (*RestoreResult, error) {
	result := &RestoreResult{}

	if _, err := os.Stat(archivedRoot); os.IsNotExist(err) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("archived media root %s does not exist, nothing to restore", archivedRoot))
		return result, nil
	}

	if err := os.MkdirAll(liveRoot, 0755); err != nil {
		return nil, fmt.Errorf("create live media root: %w", err)
	}

	err := filepath.WalkDir(archivedRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(archivedRoot, path)
		if err != nil {
			return err
		}

		if err := utils.CopyFile(path, filepath.Join(liveRoot, rel)); err != nil {
			result.Failed++
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("failed to restore %s: %v", rel, err))
			return nil
		}
		result.Restored++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk archived media: %w", err)
	}

	return result, nil
}
