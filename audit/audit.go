package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Actions
const (
	ActionValidate = "validate"
	ActionExecute  = "execute"
)

// Verdicts
const (
	VerdictPassed   = "passed"
	VerdictBlocked  = "blocked"
	VerdictRejected = "rejected"
	VerdictExecuted = "executed"
	VerdictFailed   = "failed"
)

const defaultQueryLimit = 100

// Record is one audited request.
type Record struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId,omitempty"`
	Action          string    `json:"action"`
	Language        string    `json:"language"`
	CodeDigest      string    `json:"codeDigest"`
	Verdict         string    `json:"verdict"`
	Bypassed        bool      `json:"bypassed"`
	Strict          bool      `json:"strict"`
	RiskScore       int       `json:"riskScore"`
	RuleIDs         []string  `json:"ruleIds,omitempty"`
	ErrorKind       string    `json:"errorKind,omitempty"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Recorder appends audit records.
type Recorder interface {
	Append(ctx context.Context, record Record) error
}

// Nop discards every record.
type Nop struct{}

// Append implements Recorder.
func (Nop) Append(context.Context, Record) error { return nil }

// Digest returns the hex SHA-256 of code.
func Digest(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// recordModel maps to the "audit_records" table. Rows are never updated.
type recordModel struct {
	ID              uuid.UUID `gorm:"type:text;primaryKey"`
	SessionID       string    `gorm:"index"`
	Action          string    `gorm:"not null"`
	Language        string    `gorm:"not null;index"`
	CodeDigest      string    `gorm:"not null;index"`
	Verdict         string    `gorm:"not null"`
	Bypassed        bool      `gorm:"not null;default:false;index"`
	Strict          bool      `gorm:"not null;default:false"`
	RiskScore       int       `gorm:"not null;default:0"`
	RuleIDs         string    `gorm:"type:text"`
	ErrorKind       string
	ExecutionTimeMs int64
	CreatedAt       time.Time `gorm:"index"`
}

func (recordModel) TableName() string { return "audit_records" }

func toModel(r Record) recordModel {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		id = uuid.New()
	}
	return recordModel{
		ID:              id,
		SessionID:       r.SessionID,
		Action:          r.Action,
		Language:        r.Language,
		CodeDigest:      r.CodeDigest,
		Verdict:         r.Verdict,
		Bypassed:        r.Bypassed,
		Strict:          r.Strict,
		RiskScore:       r.RiskScore,
		RuleIDs:         strings.Join(r.RuleIDs, ","),
		ErrorKind:       r.ErrorKind,
		ExecutionTimeMs: r.ExecutionTimeMs,
		CreatedAt:       r.CreatedAt,
	}
}

func (m *recordModel) toRecord() Record {
	var ruleIDs []string
	if m.RuleIDs != "" {
		ruleIDs = strings.Split(m.RuleIDs, ",")
	}
	return Record{
		ID:              m.ID.String(),
		SessionID:       m.SessionID,
		Action:          m.Action,
		Language:        m.Language,
		CodeDigest:      m.CodeDigest,
		Verdict:         m.Verdict,
		Bypassed:        m.Bypassed,
		Strict:          m.Strict,
		RiskScore:       m.RiskScore,
		RuleIDs:         ruleIDs,
		ErrorKind:       m.ErrorKind,
		ExecutionTimeMs: m.ExecutionTimeMs,
		CreatedAt:       m.CreatedAt,
	}
}

// Filter narrows Query results.
type Filter struct {
	Language     string
	Verdict      string
	BypassedOnly bool
	Limit        int
}

// Store is a Recorder backed by SQLite through GORM.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	path   string
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("audit database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating audit directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(zapWriter{logger}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if err := db.AutoMigrate(&recordModel{}); err != nil {
		return nil, fmt.Errorf("migrating audit database: %w", err)
	}

	logger.Info("audit store opened", zap.String("path", path))
	return &Store{db: db, logger: logger, path: path}, nil
}

// Append inserts a record. Missing IDs and timestamps are filled in.
func (s *Store) Append(ctx context.Context, record Record) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	model := toModel(record)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// Query returns matching records, newest first. Limit defaults to 100.
func (s *Store) Query(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if filter.Language != "" {
		q = q.Where("language = ?", filter.Language)
	}
	if filter.Verdict != "" {
		q = q.Where("verdict = ?", filter.Verdict)
	}
	if filter.BypassedOnly {
		q = q.Where("bypassed = ?", true)
	}

	var models []recordModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	records := make([]Record, len(models))
	for i := range models {
		records[i] = models[i].toRecord()
	}
	return records, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting audit database handle: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("closing audit database: %w", err)
	}
	s.logger.Debug("audit store closed", zap.String("path", s.path))
	return nil
}

// zapWriter adapts *zap.Logger to GORM's logger.Writer.
type zapWriter struct {
	logger *zap.Logger
}

func (w zapWriter) Printf(format string, args ...any) {
	w.logger.Warn(fmt.Sprintf(format, args...))
}

var _ Recorder = (*Store)(nil)
