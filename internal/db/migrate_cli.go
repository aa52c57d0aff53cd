package db

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrUsage is returned by RunMigrateCommand for unknown or incomplete
// actions, after the help text has been written.
var ErrUsage = errors.New("migrate: usage")

// RunMigrateCommand runs a schema maintenance action against the database
// at dbPath without applying migrations on open. Output goes to w.
func RunMigrateCommand(w io.Writer, args []string, dbPath string) error {
	if len(args) < 1 {
		PrintMigrateHelp(w)
		return ErrUsage
	}

	migFS, err := getMigrationsFS()
	if err != nil {
		return err
	}
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer database.Close()

	switch args[0] {
	case "up":
		if err := database.MigrateUp(migFS); err != nil {
			return err
		}
		fmt.Fprintln(w, "All migrations applied")
		return printVersion(w, database)
	case "down":
		if err := database.MigrateDown(migFS); err != nil {
			return err
		}
		fmt.Fprintln(w, "Rolled back one migration")
		return printVersion(w, database)
	case "status":
		return printVersion(w, database)
	case "force":
		if len(args) < 2 {
			fmt.Fprintln(w, "Usage: migrate force <version>")
			return ErrUsage
		}
		v, err := strconv.Atoi(args[1])
		if err != nil || v < -1 {
			return fmt.Errorf("invalid version %q", args[1])
		}
		if err := database.MigrateForce(migFS, v); err != nil {
			return err
		}
		return printVersion(w, database)
	case "help":
		PrintMigrateHelp(w)
		return nil
	default:
		fmt.Fprintf(w, "Unknown migrate action: %s\n\n", args[0])
		PrintMigrateHelp(w)
		return ErrUsage
	}
}

func printVersion(w io.Writer, database *DB) error {
	migFS, err := getMigrationsFS()
	if err != nil {
		return err
	}
	version, dirty, err := database.MigrateVersion(migFS)
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	fmt.Fprintf(w, "Current version: %d (dirty: %v)\n", version, dirty)
	if dirty {
		fmt.Fprintln(w, "WARNING: a migration failed part way. Inspect the database, then run: migrate force <version>")
	}
	return nil
}

// PrintMigrateHelp writes the migrate subcommand usage.
func PrintMigrateHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: localiser migrate <action> [args]

Actions:
  up               Apply all pending migrations
  down             Roll back the most recent migration
  status           Show the current schema version
  force <version>  Record <version> without running migrations (recovery only)
  help             Show this help
`)
}
