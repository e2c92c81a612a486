package store

import "fmt"

// migrate brings the schema up to the current version.
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE transfer_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					session TEXT NOT NULL,
					role TEXT NOT NULL,
					source TEXT NOT NULL,
					dest TEXT NOT NULL,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					bytes_sent INTEGER DEFAULT 0,
					bytes_resumed INTEGER DEFAULT 0,
					bytes_skipped INTEGER DEFAULT 0,
					files_sent INTEGER DEFAULT 0,
					files_skipped INTEGER DEFAULT 0,
					deletes INTEGER DEFAULT 0,
					abandoned INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT
				);

				CREATE TABLE abandoned_paths (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id INTEGER NOT NULL,
					rel_path TEXT NOT NULL,
					reason TEXT,
					FOREIGN KEY(run_id) REFERENCES transfer_runs(id)
				);

				CREATE INDEX idx_transfer_runs_session ON transfer_runs(session);
				CREATE INDEX idx_abandoned_paths_run ON abandoned_paths(run_id);
			`,
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		s.logger.Info("applied schema migration", "version", m.version)
	}
	return nil
}
