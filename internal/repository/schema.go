package repository

// Schema definitions for the cost ledger.
// Amounts are decimal strings and creation time is Unix nanoseconds, so
// the same columns round-trip on SQLite, PostgreSQL and MySQL.

const schemaCostEntries = `
CREATE TABLE IF NOT EXISTS cost_entries (
    id VARCHAR(64) PRIMARY KEY,
    animal_id VARCHAR(128) NOT NULL,
    category VARCHAR(32) NOT NULL,
    subcategory VARCHAR(255) NOT NULL DEFAULT '',
    amount VARCHAR(64) NOT NULL,
    entry_date VARCHAR(40) NOT NULL,
    notes TEXT,
    line_items TEXT,
    reversal_of VARCHAR(64),
    created_at_ns BIGINT NOT NULL
)`

const indexCostEntriesAnimal = `
CREATE INDEX IF NOT EXISTS idx_cost_entries_animal ON cost_entries(animal_id, created_at_ns)`

const indexCostEntriesCreated = `
CREATE INDEX IF NOT EXISTS idx_cost_entries_created ON cost_entries(created_at_ns, id)`

// MySQL has no CREATE INDEX IF NOT EXISTS, so its indexes are declared
// inline.
const schemaCostEntriesMySQL = `
CREATE TABLE IF NOT EXISTS cost_entries (
    id VARCHAR(64) PRIMARY KEY,
    animal_id VARCHAR(128) NOT NULL,
    category VARCHAR(32) NOT NULL,
    subcategory VARCHAR(255) NOT NULL DEFAULT '',
    amount VARCHAR(64) NOT NULL,
    entry_date VARCHAR(40) NOT NULL,
    notes TEXT,
    line_items TEXT,
    reversal_of VARCHAR(64),
    created_at_ns BIGINT NOT NULL,
    INDEX idx_cost_entries_animal (animal_id, created_at_ns),
    INDEX idx_cost_entries_created (created_at_ns, id)
) CHARACTER SET utf8mb4`

// AllSchemas returns the schema statements for a driver, one statement
// per element.
func AllSchemas(driver string) []string {
	if driver == "mysql" {
		return []string{schemaCostEntriesMySQL}
	}
	return []string{
		schemaCostEntries,
		indexCostEntriesAnimal,
		indexCostEntriesCreated,
	}
}
