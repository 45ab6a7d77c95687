package repository

import (
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/beefsync/costengine/internal/domain"
)

const defaultMySQLDSN = "root:root@tcp(localhost:3306)/costengine"

// openMySQL opens a MySQL database connection.
func openMySQL(cfg domain.RepositoryConfig) (*sql.DB, error) {
	dsn := cfg.MySQLDSN
	if dsn == "" {
		dsn = defaultMySQLDSN
	}

	mcfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql DSN: %w", err)
	}
	mcfg.ParseTime = true
	if mcfg.Params == nil {
		mcfg.Params = map[string]string{}
	}
	if _, ok := mcfg.Params["charset"]; !ok {
		mcfg.Params["charset"] = "utf8mb4"
	}

	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}
	db := sql.OpenDB(connector)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping mysql database: %w", err)
	}

	return db, nil
}
