package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"midsoc/internal/schema"
)

// QuarantineEntry is an outcome rejected by validation.
type QuarantineEntry struct {
	OutcomeID        uuid.UUID
	RawOutcome       string
	ValidationErrors []string
}

// NewQuarantineEntry builds an entry from an outcome and its validation
// error.
func NewQuarantineEntry(o *schema.Outcome, err error) *QuarantineEntry {
	raw, _ := json.Marshal(o)

	var msgs []string
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	} else if err != nil {
		msgs = []string{err.Error()}
	}

	return &QuarantineEntry{
		OutcomeID:        o.ID,
		RawOutcome:       string(raw),
		ValidationErrors: msgs,
	}
}

// QuarantineWriter handles writing invalid outcomes to the quarantine table.
type QuarantineWriter struct {
	client *ClickHouseClient
}

// NewQuarantineWriter creates a new QuarantineWriter.
func NewQuarantineWriter(client *ClickHouseClient) *QuarantineWriter {
	return &QuarantineWriter{client: client}
}

// WriteBatch stores multiple quarantine entries.
func (qw *QuarantineWriter) WriteBatch(ctx context.Context, entries []*QuarantineEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := qw.client.PrepareBatch(ctx, `
		INSERT INTO outcomes_quarantine (
			quarantine_id, outcome_id, raw_outcome, validation_errors
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare quarantine batch: %w", err)
	}

	for _, entry := range entries {
		if err := batch.Append(uuid.New(), entry.OutcomeID, entry.RawOutcome, entry.ValidationErrors); err != nil {
			return fmt.Errorf("failed to append quarantine entry: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send quarantine batch: %w", err)
	}
	return nil
}
