// Command credentials stores or removes sealed tool credentials.
//
//	credentials -tool slack -caller agent-7 token=xoxb-123 X-Team=ops
//	credentials -tool slack token=xoxb-shared      (tool-wide fallback)
//	credentials -tool slack -caller agent-7 -delete
package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"switchyard/internal/adapters/config"
	pgclient "switchyard/internal/adapters/postgres"
	"switchyard/internal/domain/tool"
	pgrepo "switchyard/internal/repository/postgres"
	"switchyard/pkg/crypto"
	"switchyard/pkg/errors"
	"switchyard/pkg/logger"
)

func main() {
	toolID := flag.String("tool", "", "Tool ID (required)")
	callerID := flag.String("caller", "", "Caller ID; empty stores the tool-wide fallback")
	remove := flag.Bool("delete", false, "Delete the credentials instead of storing them")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	log := logger.Get()

	if *toolID == "" {
		log.Error("-tool is required")
		flag.Usage()
		os.Exit(2)
	}

	var creds tool.Credentials
	if !*remove {
		creds, err = parsePairs(flag.Args())
		if err != nil {
			log.Fatalf("Invalid credentials: %v", err)
		}
	}

	sealer, err := crypto.NewSealer(cfg.Crypto.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize sealer: %v", err)
	}

	pg, err := pgclient.NewClient(cfg.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := pgrepo.Migrate(ctx, pg.DB()); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	repo := pgrepo.NewCredentialRepository(pg.DB(), sealer)
	if *remove {
		if err := repo.Delete(ctx, *toolID, *callerID); err != nil {
			log.Fatalf("Failed to delete credentials: %v", err)
		}
		log.Infow("✅ Credentials deleted", "tool_id", *toolID, "caller_id", *callerID)
		return
	}

	if err := repo.Put(ctx, *toolID, *callerID, creds); err != nil {
		log.Fatalf("Failed to store credentials: %v", err)
	}
	log.Infow("✅ Credentials stored", "tool_id", *toolID, "caller_id", *callerID, "keys", len(creds))
}

// parsePairs turns KEY=VALUE arguments into credentials. Values may
// contain '='.
func parsePairs(args []string) (tool.Credentials, error) {
	if len(args) == 0 {
		return nil, errors.NewValidationError("credentials", "at least one KEY=VALUE pair is required", nil)
	}

	creds := make(tool.Credentials, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.NewValidationError("credentials", "expected KEY=VALUE", arg)
		}
		if _, dup := creds[key]; dup {
			return nil, errors.NewValidationError(key, "given more than once", nil)
		}
		creds[key] = value
	}
	return creds, nil
}
