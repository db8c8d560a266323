package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"mediatrans/internal/config"
	"mediatrans/internal/db"
)

// Migration files hold an up section, optionally followed by a down
// section introduced by the downMarker line.
const downMarker = "-- +migrate Down"

func main() {
	dir := flag.String("dir", "migrations", "directory containing .sql migration files")
	down := flag.Bool("down", false, "roll back the most recently applied migration")
	flag.Parse()

	cfg := config.Load()
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer database.Close()

	if _, err := database.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (filename text primary key, applied_at timestamptz default now())`); err != nil {
		log.Fatalf("failed to ensure schema_migrations: %v", err)
	}

	if *down {
		if err := rollbackLatest(database, *dir); err != nil {
			log.Fatalf("rollback failed: %v", err)
		}
		return
	}
	if err := applyPending(database, *dir); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}
}

func applyPending(database *sqlx.DB, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)

	applied := map[string]bool{}
	var names []string
	if err := database.Select(&names, `SELECT filename FROM schema_migrations`); err != nil {
		return fmt.Errorf("reading migration state: %w", err)
	}
	for _, n := range names {
		applied[n] = true
	}

	ran := 0
	for _, file := range files {
		name := filepath.Base(file)
		if applied[name] {
			continue
		}
		up, _, err := readMigration(file)
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		if err := runSection(database, name, up); err != nil {
			return err
		}
		if _, err := database.Exec(`INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("recording %s: %w", name, err)
		}
		log.Printf("applied %s", name)
		ran++
	}
	if ran == 0 {
		log.Printf("schema up to date")
	}
	return nil
}

func rollbackLatest(database *sqlx.DB, dir string) error {
	var name string
	if err := database.Get(&name, `SELECT filename FROM schema_migrations ORDER BY filename DESC LIMIT 1`); err != nil {
		return fmt.Errorf("nothing to roll back: %w", err)
	}
	_, downSQL, err := readMigration(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if strings.TrimSpace(downSQL) == "" {
		return fmt.Errorf("%s has no down section", name)
	}
	if err := runSection(database, name, downSQL); err != nil {
		return err
	}
	if _, err := database.Exec(`DELETE FROM schema_migrations WHERE filename = $1`, name); err != nil {
		return fmt.Errorf("unrecording %s: %w", name, err)
	}
	log.Printf("rolled back %s", name)
	return nil
}

func runSection(database *sqlx.DB, name, section string) error {
	tx, err := database.Beginx()
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(section) {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return tx.Commit()
}

func readMigration(path string) (up, down string, err error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	up, down, _ = strings.Cut(string(content), downMarker)
	return up, down, nil
}

// splitStatements breaks a migration section on semicolons at line
// ends, skipping comment-only lines.
func splitStatements(section string) []string {
	var out []string
	var current strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(section))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(strings.TrimRight(line, " \t"), ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				out = append(out, stmt)
			}
			current.Reset()
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		out = append(out, stmt)
	}
	return out
}
