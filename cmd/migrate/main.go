package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/migrate"
	"helpdesk.org/internal/store/pg"
	"helpdesk.org/ops/migrations"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("HELPDESK_PG_DSN"), "PostgreSQL DSN")
		dir            = flag.String("dir", "", "Read migrations from this directory instead of the embedded set")
		migrationsPath = flag.String("migrations", "sql", "Migrations subdirectory")
		seedsPath      = flag.String("seeds", "seeds", "Seeds subdirectory")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or HELPDESK_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|repair]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var fsys fs.FS = migrations.FS
	if *dir != "" {
		fsys = os.DirFS(*dir)
	}
	mgr := migrate.NewManager(db, fsys, *migrationsPath, *seedsPath)

	var applied []string
	switch flag.Arg(0) {
	case "up":
		applied, err = mgr.Up(ctx)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if name != "" {
			applied = []string{name}
		}
	case "seed":
		applied, err = mgr.Seed(ctx)
	case "status":
		applied, err = mgr.Status(ctx)
	case "repair":
		var svc *auth.Service
		svc, err = auth.NewService(pg.New(db))
		if err == nil {
			var n int
			n, err = svc.RepairOrphans(ctx)
			if err == nil {
				fmt.Printf("removed %d orphaned identities\n", n)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
	for _, item := range applied {
		fmt.Println(item)
	}
}
