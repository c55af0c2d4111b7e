package jobserver

import "time"

// KarmaMirror is the optional observability sink for karma adjustments
// (internal/karma.Mirror implements it against Redis). The matchmaker
// never reads it back; karma's authoritative home is always the
// in-memory map.
type KarmaMirror interface {
	Set(hostname string, value float64)
}

// StatsPublisher is the optional sink for periodic stats snapshots
// (internal/statsfeed.Producer implements it against Kafka).
type StatsPublisher interface {
	Publish(Stats)
}

// AuditSink is the optional append-only event log (internal/audit.Writer
// implements it against Postgres, batching events in-process). Never read
// back at startup.
type AuditSink interface {
	RecordEvent(kind string, detail map[string]string)
}

// OpsAlert is the optional operator-paging sink (internal/opsalert.Notifier
// implements it over SMTP) for the two conditions that warrant
// process-level attention: a matchmaker-loop panic and a key losing its
// last worker while jobs are still queued under it.
type OpsAlert interface {
	Fatal(err error)
	KeyExhausted(key string, jobsAffected int)
}

// Stats is one snapshot of matchmaker state, printed and optionally
// published at most every 300ms.
type Stats struct {
	Time             time.Time
	QueuedJobs       int
	ConnectedWorkers int
	AvailableWorkers int
	DistinctKeys     int
}
