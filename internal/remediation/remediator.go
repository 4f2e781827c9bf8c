package remediation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailguard/internal/pkg/logger"
)

// AuditEntry records one remediation action, attempted or completed.
type AuditEntry struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	MessageID string    `json:"messageId"`
	Action    Action    `json:"action"`
	Actor     string    `json:"actor"`
	Result    string    `json:"result"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// AuditSink receives every remediation action. Audit failures must not
// block remediation; implementations log and move on.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MemoryAuditSink keeps entries in memory, for tests and the ops API.
type MemoryAuditSink struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func NewMemoryAuditSink() *MemoryAuditSink { return &MemoryAuditSink{} }

func (s *MemoryAuditSink) Record(_ context.Context, entry AuditEntry) {
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
}

// Entries returns a copy of everything recorded so far.
func (s *MemoryAuditSink) Entries() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.entries...)
}

// LogAuditSink writes audit entries to the structured log.
type LogAuditSink struct {
	log *logger.Logger
}

func NewLogAuditSink(log *logger.Logger) *LogAuditSink { return &LogAuditSink{log: log} }

func (s *LogAuditSink) Record(_ context.Context, entry AuditEntry) {
	if entry.Result == "ok" {
		s.log.Info("remediation applied",
			"audit_id", entry.ID,
			"tenant_id", entry.TenantID,
			"message_id", entry.MessageID,
			"action", string(entry.Action),
			"actor", entry.Actor)
		return
	}
	s.log.Error("remediation failed",
		"audit_id", entry.ID,
		"tenant_id", entry.TenantID,
		"message_id", entry.MessageID,
		"action", string(entry.Action),
		"actor", entry.Actor,
		"error", entry.Error)
}

// Notifier tells someone a remediation happened. External delivery
// (email, chat) is out of scope; the log implementation is the default.
type Notifier interface {
	Notify(ctx context.Context, entry AuditEntry)
}

// LogNotifier announces remediations at WARN so they stand out from
// routine scan traffic.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier { return &LogNotifier{log: log} }

func (n *LogNotifier) Notify(_ context.Context, entry AuditEntry) {
	n.log.Warn("threat remediated",
		"tenant_id", entry.TenantID,
		"message_id", entry.MessageID,
		"action", string(entry.Action),
		"result", entry.Result)
}

// Disposition is the verdict summary handed to AutoRemediate. The
// pipeline builds it from its verdict so this package stays independent
// of scoring types.
type Disposition struct {
	TenantID  string
	MessageID string
	Action    Action
	Score     float64
}

// Remediator maps actions onto the tenant's mailbox provider and
// audits every attempt.
type Remediator struct {
	dir      TenantDirectory
	audit    AuditSink
	notifier Notifier
	log      *logger.Logger

	// Folder and label names are tenant-visible; configurable so
	// operators can match their mailbox conventions.
	QuarantineFolder string
	FlagLabel        string

	now func() time.Time
}

func NewRemediator(dir TenantDirectory, audit AuditSink, notifier Notifier, log *logger.Logger) *Remediator {
	return &Remediator{
		dir:              dir,
		audit:            audit,
		notifier:         notifier,
		log:              log,
		QuarantineFolder: "Quarantine",
		FlagLabel:        "Suspicious",
		now:              time.Now,
	}
}

// Quarantine moves the message into the quarantine folder.
func (r *Remediator) Quarantine(ctx context.Context, tenantID, messageID string) error {
	return r.apply(ctx, tenantID, messageID, ActionQuarantine, "operator")
}

// Delete trashes the message.
func (r *Remediator) Delete(ctx context.Context, tenantID, messageID string) error {
	return r.apply(ctx, tenantID, messageID, ActionDelete, "operator")
}

// Flag labels the message as suspicious without moving it.
func (r *Remediator) Flag(ctx context.Context, tenantID, messageID string) error {
	return r.apply(ctx, tenantID, messageID, ActionFlag, "operator")
}

// Release returns a quarantined message to the inbox and clears the
// quarantine marker. False-positive recovery path.
func (r *Remediator) Release(ctx context.Context, tenantID, messageID string) error {
	return r.apply(ctx, tenantID, messageID, ActionRelease, "operator")
}

// AutoRemediate applies the verdict's action. It runs synchronously
// with the verdict commit, and its errors never fail the scan: the
// verdict is already decided, remediation failures are logged and
// audited for the retry sweep.
func (r *Remediator) AutoRemediate(ctx context.Context, d Disposition) {
	switch d.Action {
	case ActionDelete, ActionQuarantine, ActionFlag:
	default:
		return
	}
	if err := r.apply(ctx, d.TenantID, d.MessageID, d.Action, "auto"); err != nil {
		r.log.Error("auto-remediation failed",
			"tenant_id", d.TenantID,
			"message_id", d.MessageID,
			"action", string(d.Action),
			"score", d.Score,
			"error", err.Error())
	}
}

func (r *Remediator) apply(ctx context.Context, tenantID, messageID string, action Action, actor string) error {
	provider, err := r.dir.ProviderFor(ctx, tenantID)
	if err != nil {
		r.record(ctx, tenantID, messageID, action, actor, err)
		return err
	}

	switch action {
	case ActionQuarantine:
		err = provider.MoveTo(ctx, r.QuarantineFolder, messageID)
	case ActionDelete:
		err = provider.Trash(ctx, messageID)
	case ActionFlag:
		err = provider.AddLabels(ctx, messageID, r.FlagLabel)
	case ActionRelease:
		if err = provider.MoveTo(ctx, "INBOX", messageID); err == nil {
			err = provider.RemoveLabels(ctx, messageID, r.QuarantineFolder, r.FlagLabel)
		}
	}

	r.record(ctx, tenantID, messageID, action, actor, err)
	return err
}

func (r *Remediator) record(ctx context.Context, tenantID, messageID string, action Action, actor string, err error) {
	entry := AuditEntry{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		MessageID: messageID,
		Action:    action,
		Actor:     actor,
		Result:    "ok",
		At:        r.now(),
	}
	if err != nil {
		entry.Result = "failed"
		entry.Error = err.Error()
	}
	actionsTotal.WithLabelValues(string(action), entry.Result).Inc()
	if r.audit != nil {
		r.audit.Record(ctx, entry)
	}
	if r.notifier != nil && err == nil && actor == "auto" {
		r.notifier.Notify(ctx, entry)
	}
}
