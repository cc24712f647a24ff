package backup

import (
	"database/sql"
	"fmt"
	"io"
	"os"

	_ "modernc.org/sqlite"
)

// vacuumInto writes a consistent point-in-time copy of the live
// database. VACUUM INTO works under WAL without stopping writers.
func vacuumInto(src, dst string) error {
	db, err := sql.Open("sqlite", "file:"+src+"?mode=ro")
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", src, err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("backup: open %s: %w", src, err)
	}
	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", dst)); err != nil {
		return fmt.Errorf("backup: vacuum into %s: %w", dst, err)
	}
	return nil
}

// checkIntegrity runs PRAGMA integrity_check against a database file.
func checkIntegrity(path string) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", path, err)
	}
	defer db.Close()

	var verdict string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&verdict); err != nil {
		return fmt.Errorf("backup: integrity check on %s: %w", path, err)
	}
	if verdict != "ok" {
		return fmt.Errorf("backup: %s failed integrity check: %s", path, verdict)
	}
	return nil
}

// overwrite copies src over dst and fsyncs before returning.
func overwrite(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
