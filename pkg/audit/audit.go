package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Record is one gateway authorization outcome. Subjects are stored as salted
// hashes only; raw identities and secrets never reach the table.
type Record struct {
	RequestID   string
	Hostname    string
	Path        string
	Method      string
	Stage       string
	Outcome     string // allow | deny | redirect
	Via         string // service | smoke | public | status | session
	ReasonCode  string
	SubjectHash string
	CreatedAt   time.Time
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO auth_audit
		(request_id, hostname, path, method, stage, outcome, via, reason_code, subject_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.RequestID, rec.Hostname, rec.Path, rec.Method, rec.Stage, rec.Outcome, rec.Via, rec.ReasonCode, rec.SubjectHash, rec.CreatedAt)
	return err
}

// HashSubject derives the stored identity from a verified subject.
func HashSubject(salt []byte, subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ""
	}
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(subject))
	return hex.EncodeToString(h.Sum(nil))
}
