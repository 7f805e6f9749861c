package worker

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

var monitoringColumns = []string{"participant_id", "event_type", "event_data", "recorded_at"}

// MonitoringWorker batch-inserts proctoring events into monitoring_logs.
type MonitoringWorker struct {
	db  DB
	q   Queue
	b   *batcher[model.MonitoringJob]
	log zerolog.Logger
}

// NewMonitoringWorker creates a new MonitoringWorker.
func NewMonitoringWorker(db DB, q Queue, opts Options, log zerolog.Logger) *MonitoringWorker {
	w := &MonitoringWorker{
		db:  db,
		q:   q,
		log: log.With().Str("component", "monitoring_worker").Logger(),
	}
	w.b = &batcher[model.MonitoringJob]{
		queue: config.WorkerKey.PersistMonitoringQueue,
		q:     q,
		opts:  opts.withDefaults(),
		flush: w.flush,
		log:   w.log,
	}
	return w
}

// Start runs the worker until ctx is cancelled, then drains the queue.
func (w *MonitoringWorker) Start(ctx context.Context) {
	w.b.run(ctx)
}

// flush tries COPY first, then row-by-row inserts, then requeues.
func (w *MonitoringWorker) flush(ctx context.Context, batch []model.MonitoringJob) {
	err := w.bulkInsert(ctx, batch)
	if err == nil {
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")

	var failed []model.MonitoringJob
	for _, j := range batch {
		_, err = w.db.Exec(ctx,
			`INSERT INTO monitoring_logs (participant_id, event_type, event_data, recorded_at)
			 VALUES ($1, $2, $3, $4)`,
			eventRow(j)...,
		)
		if err != nil {
			w.log.Error().Err(err).Str("participant_id", j.ParticipantID.String()).Msg("Insert failed, requeueing")
			failed = append(failed, j)
		}
	}
	requeue(ctx, w.q, config.WorkerKey.PersistMonitoringQueue, failed, w.log)
}

func (w *MonitoringWorker) bulkInsert(ctx context.Context, batch []model.MonitoringJob) error {
	rows := make([][]any, 0, len(batch))
	for _, j := range batch {
		rows = append(rows, eventRow(j))
	}

	_, err := w.db.CopyFrom(ctx, pgx.Identifier{"monitoring_logs"}, monitoringColumns, pgx.CopyFromRows(rows))
	return err
}

// eventRow orders a job's values like monitoringColumns. Missing event data
// is stored as NULL.
func eventRow(j model.MonitoringJob) []any {
	var data any
	if len(j.EventData) > 0 {
		data = string(j.EventData)
	}
	return []any{j.ParticipantID, j.EventType, data, j.RecordedAt}
}
