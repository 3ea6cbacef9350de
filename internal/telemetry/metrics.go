package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const OperationKey = attribute.Key("popup.operation")

// PopupMetrics counts message writes and ledger activity. It satisfies the
// seen ledger's Observer.
type PopupMetrics struct {
	messageWrites metric.Int64Counter
	seenMarks     metric.Int64Counter
	ledgerResets  metric.Int64Counter
	popupServed   metric.Int64Counter
}

func NewPopupMetrics(meter metric.Meter) (*PopupMetrics, error) {
	var (
		m   PopupMetrics
		err error
	)
	if m.messageWrites, err = meter.Int64Counter("popup.messages.writes",
		metric.WithDescription("Message create/update/delete operations")); err != nil {
		return nil, err
	}
	if m.seenMarks, err = meter.Int64Counter("popup.seen.marks",
		metric.WithDescription("Message ids acknowledged by users")); err != nil {
		return nil, err
	}
	if m.ledgerResets, err = meter.Int64Counter("popup.ledger.resets",
		metric.WithDescription("Seen ledger resets after a corrupt read")); err != nil {
		return nil, err
	}
	if m.popupServed, err = meter.Int64Counter("popup.payload.served",
		metric.WithDescription("Popup payloads returned"), metric.WithUnit("{payload}")); err != nil {
		return nil, err
	}
	return &m, nil
}

// MessageWrite records one successful write; op is create, update or delete.
func (m *PopupMetrics) MessageWrite(ctx context.Context, op string, n int) {
	m.messageWrites.Add(ctx, int64(n), metric.WithAttributes(OperationKey.String(op)))
}

func (m *PopupMetrics) PopupServed(ctx context.Context, unseen int) {
	m.popupServed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("popup.has_unseen", unseen > 0)))
}

func (m *PopupMetrics) SeenMarked(ctx context.Context, n int) { m.seenMarks.Add(ctx, int64(n)) }

func (m *PopupMetrics) LedgerReset(ctx context.Context) { m.ledgerResets.Add(ctx, 1) }
