package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quillmd/quill/internal/logging"
	"github.com/quillmd/quill/internal/metrics"
)

// Instrumented decorates a Transport with call metrics and debug logging.
type Instrumented struct {
	next    Transport
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Instrument wraps t. Both m and logger may be nil.
func Instrument(t Transport, m *metrics.Metrics, logger *zap.Logger) *Instrumented {
	return &Instrumented{next: t, metrics: m, logger: logging.OrNop(logger).Named("transport")}
}

func (i *Instrumented) observe(op string, start time.Time, err error, fields ...zap.Field) {
	d := time.Since(start)
	i.metrics.RecordTransportCall(op, d, err == nil)
	fields = append(fields, zap.String("op", op), zap.Duration("duration", d))
	if err != nil {
		i.logger.Debug("remote call failed", append(fields, zap.Error(err))...)
		return
	}
	i.logger.Debug("remote call", fields...)
}

// ListChanges implements Transport.
func (i *Instrumented) ListChanges(ctx context.Context, token string) (*ChangeSet, error) {
	start := time.Now()
	cs, err := i.next.ListChanges(ctx, token)
	n := 0
	if cs != nil {
		n = len(cs.Changes)
	}
	i.observe(OpListChanges, start, err, zap.Int("changes", n))
	return cs, err
}

// Upload implements Transport.
func (i *Instrumented) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	start := time.Now()
	res, err := i.next.Upload(ctx, req)
	i.observe(OpUpload, start, err, zap.String("path", req.Path), zap.Int64("size", req.Content.Size()))
	return res, err
}

// Download implements Transport.
func (i *Instrumented) Download(ctx context.Context, remoteID string) (*Object, error) {
	start := time.Now()
	obj, err := i.next.Download(ctx, remoteID)
	i.observe(OpDownload, start, err, zap.String("remote_id", remoteID))
	return obj, err
}

// Delete implements Transport.
func (i *Instrumented) Delete(ctx context.Context, remoteID string) error {
	start := time.Now()
	err := i.next.Delete(ctx, remoteID)
	i.observe(OpDelete, start, err, zap.String("remote_id", remoteID))
	return err
}
