package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"retinalab/internal/app"
	"retinalab/internal/config"
	"retinalab/pkg/domain"
	"retinalab/pkg/store"
)

// createuser provisions an account in the postgres store. Self-registration is
// not exposed over HTTP.
func main() {
	email := flag.String("email", "", "account email")
	name := flag.String("name", "", "display name")
	role := flag.String("role", string(domain.RoleUser), "user or admin")
	flag.Parse()

	password := os.Getenv("RETINALAB_PASSWORD")
	if *email == "" || password == "" {
		fmt.Fprintf(os.Stderr, "usage: RETINALAB_PASSWORD=... %s -email <email> [-name <name>] [-role user|admin]\n", os.Args[0])
		os.Exit(2)
	}
	r, err := domain.ParseUserRole(*role)
	if err != nil {
		exitErr(err)
	}

	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		exitErr(fmt.Errorf("load config: %w", err))
	}
	if cfg.StoreBackend != "postgres" {
		exitErr(fmt.Errorf("storeBackend %q keeps no accounts between runs", cfg.StoreBackend))
	}
	if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
		exitErr(err)
	}
	s, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		exitErr(err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	user, err := app.CreateUser(ctx, s, *email, *name, password, r)
	if err != nil {
		exitErr(err)
	}
	fmt.Printf("created %s user %s (%s)\n", user.Role, user.Email, user.ID)
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "createuser: %v\n", err)
	os.Exit(1)
}
