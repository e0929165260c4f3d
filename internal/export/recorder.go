// Package export persists finished trades to a relational database for
// dashboard visualization. Enabled only when a DSN is configured; export
// failures are logged by the engine and never block trade bookkeeping.
package export

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"signal-executor/internal/state"
)

// TradeRow is the database model for one finished trade. Monetary values
// are stored as exact decimal strings.
type TradeRow struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	TradeID     string `gorm:"uniqueIndex;size:64;not null"`
	BotID       string `gorm:"index;size:50;not null"`
	Symbol      string `gorm:"index;size:32;not null"`
	Side        string `gorm:"size:8;not null"`
	Trigger     string `gorm:"size:48;not null"`
	EntryPrice  string `gorm:"size:48"`
	PlacedTs    int64  `gorm:"not null"`
	FilledTs    int64
	ClosedTs    int64     `gorm:"index"`
	RealizedPnl string    `gorm:"size:48"`
	IsWin       bool      `gorm:"not null"`
	ExitReason  string    `gorm:"size:32"`
	TPFills     int       `gorm:"not null"`
	DCAFills    int       `gorm:"not null"`
	Trailing    bool      `gorm:"not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (TradeRow) TableName() string { return "trades" }

// MySQLRecorder writes finished trades through GORM.
type MySQLRecorder struct {
	db    *gorm.DB
	botID string
}

// NewMySQLRecorder connects and auto-migrates the schema.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func NewMySQLRecorder(dsn, botID string) (*MySQLRecorder, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to MySQL: %w", err)
	}
	if err := db.AutoMigrate(&TradeRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &MySQLRecorder{db: db, botID: botID}, nil
}

// RecordClosed upserts one finished trade keyed by trade id, so a re-run of
// close accounting never duplicates rows.
func (r *MySQLRecorder) RecordClosed(tr *state.TradeRecord) error {
	row := TradeRow{
		TradeID:  tr.ID,
		BotID:    r.botID,
		Symbol:   tr.Symbol,
		Side:     string(tr.PositionSide),
		Trigger:  tr.Trigger.String(),
		PlacedTs: tr.PlacedTs,
		FilledTs: tr.FilledTs,
		ClosedTs: tr.ClosedTs,
		IsWin:    tr.IsWin,

		ExitReason: tr.ExitReason,
		TPFills:    tr.TPFillCount(),
		DCAFills:   tr.DCAFillCount(),
		Trailing:   tr.TrailingStarted,
	}
	if tr.EntryPrice.Valid {
		row.EntryPrice = tr.EntryPrice.Decimal.String()
	}
	if tr.RealizedPnl.Valid {
		row.RealizedPnl = tr.RealizedPnl.Decimal.String()
	}

	result := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_id"}},
		UpdateAll: true,
	}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("record trade: %w", result.Error)
	}
	return nil
}

// Close closes the underlying connection.
func (r *MySQLRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("get underlying DB: %w", err)
	}
	return sqlDB.Close()
}
