package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// ErrNotQuarantined is returned for an unknown quarantine id.
var ErrNotQuarantined = errors.New("queue: record is not quarantined")

type wireQuarantine struct {
	StreamID string    `msgpack:"sid"`
	RecordID string    `msgpack:"rid,omitempty"`
	Error    string    `msgpack:"err"`
	At       time.Time `msgpack:"at"`
	Payload  []byte    `msgpack:"p"`
}

// Quarantine moves entry to the quarantine log with cause attached. The
// caller acknowledges the entry on its cursor afterwards.
func (q *Queue) Quarantine(ctx context.Context, e Entry, cause error) error {
	w := wireQuarantine{
		StreamID: e.StreamID,
		Error:    cause.Error(),
		At:       time.Now().UTC(),
		Payload:  e.Payload,
	}
	if e.Record != nil {
		w.RecordID = e.Record.ID
	}
	payload, err := msgpack.Marshal(&w)
	if err != nil {
		return err
	}
	if _, err := q.stream.Append(ctx, q.quarantine, payload); err != nil {
		return fmt.Errorf("queue: quarantine %s: %w", e.StreamID, err)
	}

	q.logger.Error("record quarantined",
		zap.String("stream", q.name),
		zap.String("stream_id", e.StreamID),
		zap.String("record_id", w.RecordID),
		zap.Error(cause),
	)
	return nil
}

// Quarantined lists up to n quarantined records, oldest first. n <= 0 lists all.
func (q *Queue) Quarantined(ctx context.Context, n int) ([]QuarantinedRecord, error) {
	raw, err := q.stream.Range(ctx, q.quarantine, n)
	if err != nil {
		return nil, err
	}
	out := make([]QuarantinedRecord, 0, len(raw))
	for _, se := range raw {
		var w wireQuarantine
		if err := msgpack.Unmarshal(se.Payload, &w); err != nil {
			out = append(out, QuarantinedRecord{ID: se.ID, DecodeErr: err})
			continue
		}
		qr := QuarantinedRecord{
			ID:       se.ID,
			StreamID: w.StreamID,
			RecordID: w.RecordID,
			Error:    w.Error,
			At:       w.At,
			Payload:  w.Payload,
		}
		qr.Record, qr.DecodeErr = DecodeRecord(w.Payload)
		out = append(out, qr)
	}
	return out, nil
}

// RemoveQuarantined deletes a quarantined record for good.
func (q *Queue) RemoveQuarantined(ctx context.Context, id string) error {
	if _, err := q.findQuarantined(ctx, id); err != nil {
		return err
	}
	return q.stream.Remove(ctx, q.quarantine, id)
}

// Requeue appends a quarantined record to the end of the queue again and
// removes it from quarantine. It returns the new stream id.
func (q *Queue) Requeue(ctx context.Context, id string) (string, error) {
	qr, err := q.findQuarantined(ctx, id)
	if err != nil {
		return "", err
	}
	if qr.DecodeErr != nil {
		return "", fmt.Errorf("queue: requeue %s: %w", id, qr.DecodeErr)
	}

	streamID, err := q.stream.Append(ctx, q.name, qr.Payload)
	if err != nil {
		return "", fmt.Errorf("queue: requeue %s: %w", id, err)
	}
	if err := q.stream.Remove(ctx, q.quarantine, id); err != nil {
		return streamID, err
	}
	return streamID, nil
}

func (q *Queue) findQuarantined(ctx context.Context, id string) (QuarantinedRecord, error) {
	all, err := q.Quarantined(ctx, 0)
	if err != nil {
		return QuarantinedRecord{}, err
	}
	for _, qr := range all {
		if qr.ID == id {
			return qr, nil
		}
	}
	return QuarantinedRecord{}, fmt.Errorf("%w: %s", ErrNotQuarantined, id)
}
