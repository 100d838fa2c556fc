package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"campusid.org/internal/auth"
	"campusid.org/internal/migrate"
	"campusid.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()

	var (
		dsn            = flag.String("dsn", os.Getenv("CAMPUSID_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "ops/migrations/sql", "Path to SQL migrations")
		seedsPath      = flag.String("seeds", "ops/migrations/seeds", "Path to SQL seeds")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or CAMPUSID_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|admin <name> <email> <password> [role]]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, *migrationsPath, *seedsPath)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	case "admin":
		err = seedAdmin(ctx, db, flag.Args()[1:])
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// seedAdmin provisions an operator account so a fresh deployment can log in.
func seedAdmin(ctx context.Context, db *sql.DB, args []string) error {
	if len(args) < 3 {
		return errors.New("usage: migrate admin <name> <email> <password> [role]")
	}
	name, email, password := args[0], args[1], args[2]
	role := auth.RoleAdmin
	if len(args) > 3 {
		role = args[3]
	}

	svc := auth.NewService(pg.NewStore(db).Admins())
	admin, err := svc.EnsureAdmin(ctx, name, email, password, role)
	if errors.Is(err, auth.ErrAlreadyExists) {
		fmt.Printf("admin %s already exists (id %s)\n", admin.Email, admin.ID)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("admin %s created (id %s)\n", admin.Email, admin.ID)
	return nil
}
