// authctl bootstraps and maintains the authorization data of a Pressline
// database: catalog seeding, the first administrator, audit retention.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"pressline.org/internal/audit"
	"pressline.org/internal/auth"
	"pressline.org/internal/config"
	"pressline.org/internal/store/pg"
)

const usage = `usage: authctl <command> [flags]

commands:
  seed          create missing permissions, roles and grants from the catalog
  create-admin  create an administrator or promote an existing account
  purge-audit   delete activity-log entries older than N days
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	cmd, rest := args[0], args[1:]
	flags := pflag.NewFlagSet("authctl "+cmd, pflag.ContinueOnError)
	dsn := flags.String("dsn", cfg.PGDSN, "PostgreSQL DSN")
	timeout := flags.Duration("timeout", time.Minute, "overall deadline")

	switch cmd {
	case "seed":
		catalog := flags.String("catalog", cfg.Auth.CatalogPath, "catalog YAML file")
		if err := flags.Parse(rest); err != nil {
			return err
		}
		return withStore(*dsn, *timeout, func(ctx context.Context, st *pg.Store) error {
			return seed(ctx, st, *catalog)
		})

	case "create-admin":
		email := flags.String("email", cfg.Auth.AdminEmail, "administrator email")
		name := flags.String("name", "", "display name")
		if err := flags.Parse(rest); err != nil {
			return err
		}
		return withStore(*dsn, *timeout, func(ctx context.Context, st *pg.Store) error {
			return createAdmin(ctx, st, cfg, *email, cfg.Auth.AdminPassword, *name)
		})

	case "purge-audit":
		days := flags.Int("older-than-days", cfg.Audit.RetentionDays, "delete entries older than this many days")
		if err := flags.Parse(rest); err != nil {
			return err
		}
		return withStore(*dsn, *timeout, func(ctx context.Context, st *pg.Store) error {
			n, err := audit.New(st).Purge(ctx, *days)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d entries older than %d days\n", n, *days)
			return nil
		})

	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func withStore(dsn string, timeout time.Duration, fn func(context.Context, *pg.Store) error) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("missing DSN: provide via --dsn or PRESSLINE_PG_DSN")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	st, err := pg.Open(dsn)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return fn(ctx, st)
}

func seed(ctx context.Context, st *pg.Store, path string) error {
	cat, err := auth.LoadCatalog(path)
	if err != nil {
		return err
	}
	rep, err := auth.SeedCatalog(ctx, st, cat)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(rep)
}

func createAdmin(ctx context.Context, st *pg.Store, cfg config.Config, email, password, name string) error {
	if strings.TrimSpace(email) == "" {
		return errors.New("--email is required")
	}
	roles, err := auth.ResolveRoles(ctx, st, cfg.Auth.DefaultRoleName, cfg.Auth.AdminRoleName)
	if err != nil {
		return fmt.Errorf("resolve roles: %w (run `authctl seed` first)", err)
	}
	hasher, err := auth.NewHasher(cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}
	user, created, err := auth.EnsureAdmin(ctx, st, hasher, roles, email, password, name)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("created administrator %s (%s)\n", user.Email, user.ID)
	} else {
		fmt.Printf("promoted existing account %s (%s)\n", user.Email, user.ID)
	}
	return nil
}
