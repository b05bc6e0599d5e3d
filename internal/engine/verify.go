package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/avdeyev/shopvault/internal/archive"
	"github.com/avdeyev/shopvault/internal/catalog"
	"github.com/avdeyev/shopvault/internal/checksum"
)

// VerifyResult reports an integrity check over a backup's recorded files.
type VerifyResult struct {
	Total       int
	Failed      int
	FailedFiles []string
	Success     bool
}

// VerifyBackup recomputes the checksum of every file recorded for the given
// backup and compares it against the catalog. Compressed artifacts are
// extracted into a scratch directory first. Verified flags on the file
// entries are updated to reflect the outcome.
func (o *Orchestrator) VerifyBackup(job *catalog.BackupJob) (*VerifyResult, error) {
	if job.ArtifactPath == "" {
		return nil, fmt.Errorf("backup %s has no artifact", job.ID)
	}
	info, err := os.Stat(job.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}

	contentRoot := job.ArtifactPath
	if !info.IsDir() {
		if err := os.MkdirAll(o.cfg.TempDir, 0755); err != nil {
			return nil, fmt.Errorf("create temp directory: %w", err)
		}
		scratch, err := os.MkdirTemp(o.cfg.TempDir, "verify_*")
		if err != nil {
			return nil, fmt.Errorf("create scratch directory: %w", err)
		}
		defer os.RemoveAll(scratch)

		if err := archive.Extract(job.ArtifactPath, scratch); err != nil {
			return nil, err
		}
		contentRoot, err = archive.ExtractionRoot(scratch)
		if err != nil {
			return nil, err
		}
	}

	return o.verifyTree(job, contentRoot, true)
}

// verifyTree checks every recorded file under contentRoot. When persist is
// set the Verified flag on each entry is written back to the catalog.
func (o *Orchestrator) verifyTree(job *catalog.BackupJob, contentRoot string, persist bool) (*VerifyResult, error) {
	entries, err := o.repo.FileEntries(job.ID)
	if err != nil {
		return nil, fmt.Errorf("load file entries: %w", err)
	}

	result := &VerifyResult{Total: len(entries)}
	for i := range entries {
		entry := &entries[i]
		ok, err := checksum.Verify(filepath.Join(contentRoot, entry.RelativePath), entry.SHA256)
		if err != nil {
			ok = false
			o.log.Warn().Err(err).Str("file", entry.RelativePath).Msg("checksum unreadable")
		}
		if !ok {
			result.Failed++
			result.FailedFiles = append(result.FailedFiles, entry.RelativePath)
		}
		if persist && entry.Verified != ok {
			entry.Verified = ok
			if err := o.repo.SaveFileEntry(entry); err != nil {
				return nil, fmt.Errorf("persist verification: %w", err)
			}
		}
	}
	result.Success = result.Failed == 0

	if persist {
		level, msg := "info", fmt.Sprintf("verified %d files", result.Total)
		if !result.Success {
			level = "error"
			msg = fmt.Sprintf("%d of %d files failed verification", result.Failed, result.Total)
		}
		o.appendLog(job.ID, level, "verify", msg, "")
	}
	return result, nil
}
