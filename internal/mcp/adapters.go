package mcp

import "signal-desk/internal/domain"

// SnapshotReader exposes the last published snapshot. Every read tool answers from it.
type SnapshotReader interface {
	Latest() (domain.Snapshot, bool)
}

// JobReader exposes close job progress.
type JobReader interface {
	GetJob(id string) (domain.CloseJob, error)
	ListJobs(limit int) []domain.CloseJob
}

// AuditReader exposes the signal decision trail.
type AuditReader interface {
	Audit(limit int) []domain.AuditRecord
}
