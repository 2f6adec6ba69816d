package maintenance

import (
	"context"
	"time"

	"kbconsole/internal/aggregator"
	"kbconsole/internal/feed"
	"kbconsole/internal/metrics"
	logx "kbconsole/pkg/logx"
)

// Maintainer is implemented by storage drivers that need periodic housekeeping.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// StorageJob compacts the read-state store (value log GC, WAL checkpoint,
// temp file cleanup, depending on the driver).
func StorageJob(spec string, kv Maintainer) Job {
	return Job{
		Name:    "storage.maintain",
		Spec:    spec,
		Timeout: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			err := kv.Maintain(ctx)
			metrics.RecordMaintenance(err)
			return err
		},
	}
}

// StatusSource is what the status job reports on.
type StatusSource interface {
	Latest() feed.Update
	Sources() []aggregator.SourceStatus
	ReadIDs(ctx context.Context) []string
}

// StatusJob logs one line summarizing the feed and its sources.
func StatusJob(spec string, src StatusSource, log logx.Logger) Job {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "maintenance"))
	return Job{
		Name:    "feed.status",
		Spec:    spec,
		Timeout: 30 * time.Second,
		Run: func(ctx context.Context) error {
			u := src.Latest()
			read := len(src.ReadIDs(ctx))
			metrics.ReadStateIDs.Set(float64(read))

			fields := []logx.Field{
				logx.Int("items", len(u.Items)),
				logx.Int("unread", u.Unread),
				logx.Int("read_ids", read),
			}
			if !u.At.IsZero() {
				fields = append(fields, logx.Duration("age", time.Since(u.At).Round(time.Second)))
			}
			for _, st := range src.Sources() {
				fields = append(fields, logx.String("source."+string(st.Category), st.State))
			}
			log.Info("feed status", fields...)
			return nil
		},
	}
}
