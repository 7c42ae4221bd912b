// Package audit appends the immutable trace that binds every verdict and
// every management action to a reproducible input snapshot.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Audited verbs.
const (
	VerbExecuteWorkflow = "execute-workflow"
	VerbExecuteTask     = "execute-task"
	VerbAccessData      = "access-data"
	VerbListPolicies    = "list-policies"
	VerbAddPolicy       = "add-policy"
	VerbGetPolicy       = "get-policy"
	VerbGetActive       = "get-active"
	VerbSetActive       = "set-active"
	VerbUnsetActive     = "unset-active"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is one audit entry. Detail carries diagnostics that never reach the
// caller; they are retrievable only here, keyed by VerdictReference.
type Record struct {
	VerdictReference string
	Initiator        string
	System           string
	Verb             string
	Request          json.RawMessage
	PolicyVersion    int64
	Fingerprint      string
	Verdict          string
	ReasonCode       string
	Reasons          []string
	Detail           string
	CreatedAt        time.Time
}

// Writer appends records. Append must succeed before any verdict is written
// to the caller.
type Writer struct {
	DB auditDB
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("encode audit reasons: %w", err)
	}
	request := rec.Request
	if request == nil {
		request = json.RawMessage("null")
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(verdict_reference, initiator, system, verb, request, policy_version, fingerprint, verdict, reason_code, reasons, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.VerdictReference, rec.Initiator, rec.System, rec.Verb, request, rec.PolicyVersion,
		rec.Fingerprint, rec.Verdict, rec.ReasonCode, reasons, rec.Detail, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Get fetches one record by verdict reference.
func (w *Writer) Get(ctx context.Context, verdictReference string) (Record, error) {
	row := w.DB.QueryRow(ctx, `
		SELECT verdict_reference, initiator, system, verb, request, policy_version, fingerprint, verdict, reason_code, reasons, detail, created_at
		FROM audit_records WHERE verdict_reference = $1
	`, verdictReference)
	var rec Record
	var reasons []byte
	if err := row.Scan(&rec.VerdictReference, &rec.Initiator, &rec.System, &rec.Verb, &rec.Request,
		&rec.PolicyVersion, &rec.Fingerprint, &rec.Verdict, &rec.ReasonCode, &reasons, &rec.Detail, &rec.CreatedAt); err != nil {
		return rec, fmt.Errorf("get audit record %s: %w", verdictReference, err)
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &rec.Reasons); err != nil {
			return rec, fmt.Errorf("decode audit reasons: %w", err)
		}
	}
	return rec, nil
}
