package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB wraps the database connection
type DB struct {
	conn *gorm.DB
}

// New creates a new database connection and migrates the schema.
//
// dsn supports both SQLite and MySQL:
//   - SQLite: "./data/barkest.db" or any file path
//   - MySQL: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func New(dsn string) (*DB, error) {
	if dsn == "" {
		dsn = "./data/barkest.db"
	}

	sqliteDB := !isMySQLDSN(dsn)

	var dialector gorm.Dialector
	if sqliteDB {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dialector = sqlite.New(sqlite.Config{
			DriverName: "sqlite",
			DSN:        dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		})
	} else {
		dialector = mysql.Open(dsn)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if sqliteDB {
		// one writer at a time
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func isMySQLDSN(dsn string) bool {
	return strings.Contains(dsn, "@tcp(") || strings.Contains(dsn, "@unix(")
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetConn returns the underlying gorm connection
func (db *DB) GetConn() *gorm.DB {
	return db.conn
}

// initSchema creates all necessary tables
func (db *DB) initSchema() error {
	return db.conn.AutoMigrate(&SessionModel{}, &TaskRunModel{})
}
