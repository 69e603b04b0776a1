package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeImport is an import reaching a terminal state.
	EventTypeImport EventType = "import"
	// EventTypeRotate is a rotate reaching a terminal state.
	EventTypeRotate EventType = "rotate"
	// EventTypeCompensation is a compensating delete after alert provisioning failed.
	EventTypeCompensation EventType = "compensation"
	// EventTypeCertificateUpdate is an attempt to install a verification certificate.
	EventTypeCertificateUpdate EventType = "certificate_update"
	// EventTypeKEKGenerate is a KEK creation request.
	EventTypeKEKGenerate EventType = "kek_generate"
)

// AuditEvent represents a single audit log event. It never carries key material or signatures.
type AuditEvent struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	EventType    EventType      `json:"event_type"`
	KeyName      string         `json:"key_name,omitempty"`
	KeyID        string         `json:"key_id,omitempty"`
	KEKID        string         `json:"kek_id,omitempty"`
	State        string         `json:"state,omitempty"`
	ActionGroups []string       `json:"action_groups,omitempty"`
	Source       string         `json:"source,omitempty"`
	Thumbprint   string         `json:"thumbprint,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	DurationMs   int64          `json:"duration_ms,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Operation describes a finished import or rotate.
type Operation struct {
	Type         EventType
	KeyName      string
	KeyID        string
	KEKID        string
	State        string
	ActionGroups []string
	RequestID    string
	Err          error
	Duration     time.Duration
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event, filling ID and Timestamp when unset.
	Log(event *AuditEvent)

	// LogOperation logs an import or rotate outcome.
	LogOperation(op Operation)

	// LogCompensation logs the compensating delete of a key whose alert could not be created.
	LogCompensation(keyName, keyID, requestID string, err error)

	// LogCertificateUpdate logs a certificate install attempt from "api" or "file".
	LogCertificateUpdate(source, subject, thumbprint string, err error)

	// LogKEKGenerated logs a KEK creation request.
	LogKEKGenerated(name, kekID, requestID string, err error)

	// Events returns the retained events, oldest first.
	Events() []*AuditEvent
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
	logger    *logrus.Logger
	now       func() time.Time
}

// NewLogger creates a new audit logger keeping at most maxEvents in memory.
// A nil writer logs events through logger.
func NewLogger(maxEvents int, writer EventWriter, logger *logrus.Logger) Logger {
	if writer == nil {
		writer = NewLogrusWriter(logger)
	}
	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
		logger:    logger,
		now:       time.Now,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.WriteEvent(event); err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"event_id":   event.ID,
			"event_type": event.EventType,
		}).Warn("Failed to write audit event")
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

// LogOperation logs an import or rotate outcome.
func (l *auditLogger) LogOperation(op Operation) {
	event := &AuditEvent{
		EventType:    op.Type,
		KeyName:      op.KeyName,
		KeyID:        op.KeyID,
		KEKID:        op.KEKID,
		State:        op.State,
		ActionGroups: op.ActionGroups,
		RequestID:    op.RequestID,
		Success:      op.Err == nil,
		DurationMs:   op.Duration.Milliseconds(),
	}
	if op.Err != nil {
		event.Error = op.Err.Error()
	}
	l.Log(event)
}

// LogCompensation logs a compensating delete.
func (l *auditLogger) LogCompensation(keyName, keyID, requestID string, err error) {
	event := &AuditEvent{
		EventType: EventTypeCompensation,
		KeyName:   keyName,
		KeyID:     keyID,
		RequestID: requestID,
		Success:   err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogCertificateUpdate logs a certificate install attempt.
func (l *auditLogger) LogCertificateUpdate(source, subject, thumbprint string, err error) {
	event := &AuditEvent{
		EventType:  EventTypeCertificateUpdate,
		Source:     source,
		Thumbprint: thumbprint,
		Success:    err == nil,
		Metadata:   map[string]any{"subject": subject},
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogKEKGenerated logs a KEK creation request.
func (l *auditLogger) LogKEKGenerated(name, kekID, requestID string, err error) {
	event := &AuditEvent{
		EventType: EventTypeKEKGenerate,
		KeyName:   name,
		KEKID:     kekID,
		RequestID: requestID,
		Success:   err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Events returns all retained audit events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// LogrusWriter writes each event as a structured log line.
type LogrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter creates a writer logging through logger.
func NewLogrusWriter(logger *logrus.Logger) *LogrusWriter {
	return &LogrusWriter{logger: logger}
}

// WriteEvent implements EventWriter.
func (w *LogrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_id":   event.ID,
		"event_type": event.EventType,
		"success":    event.Success,
	}
	if event.KeyName != "" {
		fields["key_name"] = event.KeyName
	}
	if event.KeyID != "" {
		fields["key_id"] = event.KeyID
	}
	if event.State != "" {
		fields["state"] = event.State
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}
	w.logger.WithFields(fields).Info("Audit event")
	return nil
}

// MultiWriter fans an event out to several writers. All writers are attempted;
// the first error is returned.
type MultiWriter []EventWriter

// WriteEvent implements EventWriter.
func (m MultiWriter) WriteEvent(event *AuditEvent) error {
	var first error
	for _, w := range m {
		if err := w.WriteEvent(event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
