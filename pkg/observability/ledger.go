package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// Attribute keys recorded on ledger spans and metrics.
const (
	AttrOperation   = attribute.Key("ubl.operation")
	AttrContainerID = attribute.Key("ubl.container_id")
	AttrSequence    = attribute.Key("ubl.sequence")
	AttrIntentClass = attribute.Key("ubl.intent_class")
	AttrErrorKind   = attribute.Key("ubl.error_kind")
	AttrPactKind    = attribute.Key("ubl.pact_kind")
)

type commitMetrics struct {
	accepted metric.Int64Counter
	rejected metric.Int64Counter
	append   metric.Float64Histogram
}

func newCommitMetrics(m metric.Meter) (*commitMetrics, error) {
	var (
		cm  commitMetrics
		err error
	)
	cm.accepted, err = m.Int64Counter("ubl.commits.accepted",
		metric.WithDescription("Commits appended to a container"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, err
	}
	cm.rejected, err = m.Int64Counter("ubl.commits.rejected",
		metric.WithDescription("Commits refused, by error kind"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, err
	}
	cm.append, err = m.Float64Histogram("ubl.append.duration",
		metric.WithDescription("Duration of the head read, validate and append critical section"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil, err
	}
	return &cm, nil
}

// CommitAccepted counts an appended commit.
func (p *Provider) CommitAccepted(ctx context.Context, class contracts.IntentClass) {
	p.commits.accepted.Add(ctx, 1, metric.WithAttributes(AttrIntentClass.String(class.String())))
}

// CommitRejected counts a refused commit. pactKind may be empty.
func (p *Provider) CommitRejected(ctx context.Context, kind, pactKind contracts.ErrorKind) {
	attrs := []attribute.KeyValue{AttrErrorKind.String(string(kind))}
	if pactKind != "" {
		attrs = append(attrs, AttrPactKind.String(string(pactKind)))
	}
	p.commits.rejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// AppendDuration records how long one container critical section took.
func (p *Provider) AppendDuration(ctx context.Context, d time.Duration) {
	p.commits.append.Record(ctx, d.Seconds())
}

// AnnotateReceipt adds the appended position to the span in ctx.
func AnnotateReceipt(ctx context.Context, r contracts.Receipt) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		AttrContainerID.String(r.ContainerID.String()),
		AttrSequence.Int64(int64(r.Sequence)), //nolint:gosec // sequences stay far below 2^63
	)
	span.AddEvent("ledger.appended")
}
