package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// AuditArchiver copies finished attempts' audit trails to object storage as
// JSONL, one object per attempt. The database rows stay in place.
type AuditArchiver struct {
	writer domain.BlobWriter
	audit  domain.PurchaseAuditStore
}

// NewAuditArchiver creates an AuditArchiver.
func NewAuditArchiver(writer domain.BlobWriter, audit domain.PurchaseAuditStore) *AuditArchiver {
	return &AuditArchiver{writer: writer, audit: audit}
}

// ArchiveAttempt uploads the trail of attemptID and returns its key. An
// attempt with no entries is not uploaded and yields "".
func (a *AuditArchiver) ArchiveAttempt(ctx context.Context, orgID, attemptID string, finished time.Time) (string, error) {
	entries, err := a.audit.ListByAttempt(ctx, attemptID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive attempt %s query: %w", attemptID, err)
	}
	if len(entries) == 0 {
		return "", nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive attempt %s marshal: %w", attemptID, err)
	}

	path := archivePath(orgID, attemptID, finished)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive attempt %s upload: %w", attemptID, err)
	}
	return path, nil
}

// archivePath partitions archives by organization and month:
//
//	audit/org-1/2026-10/3f2c....jsonl
func archivePath(orgID, attemptID string, finished time.Time) string {
	return fmt.Sprintf("audit/%s/%s/%s.jsonl", orgID, finished.UTC().Format("2006-01"), attemptID)
}

// marshalJSONL encodes each record as one compact JSON line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
