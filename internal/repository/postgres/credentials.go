package postgres

import (
	"context"
	"database/sql"
	"time"

	"switchyard/internal/domain/tool"
	"switchyard/pkg/crypto"
	"switchyard/pkg/errors"
)

var _ tool.CredentialProvider = (*CredentialRepository)(nil)

// CredentialRepository stores per-tool credentials sealed with AES-GCM.
// Rows with an empty caller_id apply to every caller of the tool.
type CredentialRepository struct {
	db     DBTX
	sealer *crypto.Sealer
}

func NewCredentialRepository(db DBTX, sealer *crypto.Sealer) *CredentialRepository {
	return &CredentialRepository{db: db, sealer: sealer}
}

// Put seals and stores credentials for a tool, optionally scoped to one caller
func (r *CredentialRepository) Put(ctx context.Context, toolID, callerID string, creds tool.Credentials) (err error) {
	defer observe("credentials_put", time.Now(), &err)

	if toolID == "" {
		return errors.NewValidationError("tool_id", "required", toolID)
	}

	sealed, err := r.sealer.SealJSON(creds, aad(toolID, callerID))
	if err != nil {
		return errors.Wrap(err, "seal credentials")
	}

	query := `
		INSERT INTO tool_credentials (tool_id, caller_id, sealed, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tool_id, caller_id) DO UPDATE SET
			sealed     = EXCLUDED.sealed,
			updated_at = now()`

	_, err = r.db.ExecContext(ctx, query, toolID, callerID, sealed)
	return err
}

// Resolve prefers a caller-scoped row and falls back to the tool-wide one
func (r *CredentialRepository) Resolve(ctx context.Context, toolID, callerID string) (creds tool.Credentials, err error) {
	defer observe("credentials_resolve", time.Now(), &err)

	var row struct {
		CallerID string `db:"caller_id"`
		Sealed   []byte `db:"sealed"`
	}
	query := `
		SELECT caller_id, sealed
		FROM tool_credentials
		WHERE tool_id = $1 AND caller_id IN ($2, '')
		ORDER BY caller_id DESC
		LIMIT 1`

	if err := r.db.GetContext(ctx, &row, query, toolID, callerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrNotConfigured, "no credentials for %s", toolID)
		}
		return nil, err
	}

	if err := r.sealer.OpenJSON(row.Sealed, aad(toolID, row.CallerID), &creds); err != nil {
		return nil, errors.Wrap(err, "open credentials")
	}
	return creds, nil
}

// Delete removes the row for (toolID, callerID)
func (r *CredentialRepository) Delete(ctx context.Context, toolID, callerID string) (err error) {
	defer observe("credentials_delete", time.Now(), &err)

	res, err := r.db.ExecContext(ctx, `DELETE FROM tool_credentials WHERE tool_id = $1 AND caller_id = $2`, toolID, callerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrNotFound
	}
	return nil
}

func aad(toolID, callerID string) []byte {
	return []byte(toolID + "/" + callerID)
}
