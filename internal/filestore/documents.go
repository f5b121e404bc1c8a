package filestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Document processing states.
const (
	StatusUploading = "uploading"
	StatusReady     = "ready"
	StatusFailed    = "failed"
)

// Document tracks one uploaded file inside a retrieval store.
type Document struct {
	ID         uuid.UUID `json:"id"`
	StoreID    uuid.UUID `json:"storeId"` // file_search_stores.id, not the external identifier
	UserID     string    `json:"userId"`
	Filename   string    `json:"filename"`
	FileID     string    `json:"fileId"` // provider document name, set once ready
	MimeType   string    `json:"mimeType"`
	SizeBytes  int64     `json:"sizeBytes"`
	Status     string    `json:"status"`
	UploadedAt time.Time `json:"uploadedAt"`
}

const documentCols = `id, store_id, user_id, filename, file_id, mime_type, size_bytes, status, uploaded_at`

// UploadRequest describes one document to ingest.
type UploadRequest struct {
	AgentID  string
	UserID   string
	Path     string // local path of the staged upload
	Filename string
	MimeType string
	Size     int64
}

// Upload ingests a document into the agent's retrieval store. The document
// row is written first with status "uploading", then flipped to "ready" or
// "failed" depending on the provider outcome, so interrupted uploads remain
// visible.
func (m *Manager) Upload(ctx context.Context, req UploadRequest) (*Document, error) {
	store, err := m.Resolve(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	row := m.db.QueryRow(ctx,
		`INSERT INTO documents (store_id, user_id, filename, file_id, mime_type, size_bytes, status)
		 VALUES ($1, $2, $3, '', $4, $5, $6)
		 RETURNING `+documentCols,
		store.ID, req.UserID, req.Filename, req.MimeType, req.Size, StatusUploading)

	doc, err := scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("recording upload: %w", err)
	}

	fileID, err := m.prov.UploadDocument(ctx, store.StoreID, req.Path, req.Filename)
	if err != nil {
		if _, updErr := m.db.Exec(ctx,
			`UPDATE documents SET status = $2 WHERE id = $1`,
			doc.ID, StatusFailed); updErr != nil {
			m.logger.Warn("failed to mark document failed", "id", doc.ID, "error", updErr)
		}
		return nil, fmt.Errorf("uploading document %q: %w", req.Filename, err)
	}

	row = m.db.QueryRow(ctx,
		`UPDATE documents SET file_id = $2, status = $3 WHERE id = $1
		 RETURNING `+documentCols,
		doc.ID, fileID, StatusReady)

	doc, err = scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("finalizing upload: %w", err)
	}

	m.logger.Info("document uploaded",
		"agent_id", req.AgentID,
		"filename", req.Filename,
		"file_id", fileID,
	)
	return doc, nil
}

// Documents lists the documents in an agent's store, optionally filtered to
// one uploader.
func (m *Manager) Documents(ctx context.Context, agentID, userID string) ([]*Document, error) {
	store, err := m.Resolve(ctx, agentID)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + documentCols + ` FROM documents WHERE store_id = $1`
	args := []any{store.ID}
	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}
	query += ` ORDER BY uploaded_at DESC`

	rows, err := m.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document row. Only the uploader may delete it.
func (m *Manager) DeleteDocument(ctx context.Context, documentID uuid.UUID, userID string) error {
	tag, err := m.db.Exec(ctx,
		`DELETE FROM documents WHERE id = $1 AND user_id = $2`,
		documentID, userID)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	if err := row.Scan(&d.ID, &d.StoreID, &d.UserID, &d.Filename, &d.FileID,
		&d.MimeType, &d.SizeBytes, &d.Status, &d.UploadedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}
