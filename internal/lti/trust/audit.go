package trust

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// LogAuditor emits audit events as structured log lines.
type LogAuditor struct {
	Log *logrus.Logger
}

func (a LogAuditor) Emit(_ context.Context, action, subject string, details map[string]any) {
	log := a.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	fields := logrus.Fields{"action": action, "subject": subject}
	for k, v := range details {
		fields[k] = v
	}
	log.WithFields(fields).Info("audit")
}

// SQLAuditor appends audit events to the launch_audit table. Failures
// are logged and otherwise ignored; auditing never blocks registration
// or launch processing.
type SQLAuditor struct {
	DB  *sql.DB
	Log *logrus.Logger
}

func (a SQLAuditor) Emit(ctx context.Context, action, subject string, details map[string]any) {
	var payload []byte
	if details != nil {
		payload, _ = json.Marshal(details)
	}
	_, err := a.DB.ExecContext(ctx,
		`INSERT INTO launch_audit (action, subject, details) VALUES ($1, $2, $3)`,
		action, subject, string(payload))
	if err != nil {
		log := a.Log
		if log == nil {
			log = logrus.StandardLogger()
		}
		log.WithError(err).WithField("action", action).Warn("audit write failed")
	}
}

// MultiAuditor fans an event out to several auditors.
type MultiAuditor []Auditor

func (m MultiAuditor) Emit(ctx context.Context, action, subject string, details map[string]any) {
	for _, a := range m {
		a.Emit(ctx, action, subject, details)
	}
}
