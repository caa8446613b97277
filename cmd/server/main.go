// Command devsync-server starts the synchronization server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/devsync/internal/limiter"
	"github.com/and161185/devsync/internal/migrate"
	"github.com/and161185/devsync/internal/repository/postgres"
	"github.com/and161185/devsync/internal/server"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, runs migrations, and starts the WebSocket
// server.
func main() {
	// Flags, mirroring the database/* settings as a DSN
	addr := flag.String("addr", ":4785", "listen address")
	driver := flag.String("database-driver", "postgres", "database driver (postgres)")
	name := flag.String("database-name", "devsync", "database name")
	host := flag.String("database-host", "localhost", "database host")
	port := flag.Int("database-port", 5432, "database port")
	username := flag.String("database-username", "devsync", "database user")
	password := flag.String("database-password", "", "database password")
	options := flag.String("database-options", "sslmode=disable", "extra DSN options")
	uploadLimit := flag.Uint("upload-limit", 10*1024*1024, "max payload size in bytes")
	tokenKey := flag.String("access-token-key", "", "HS256 key for access tokens (empty disables the gate)")
	certFile := flag.String("tls-cert", "", "TLS certificate (PEM)")
	keyFile := flag.String("tls-key", "", "TLS private key (PEM)")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
	)

	if *driver != "postgres" {
		logger.Fatal("unsupported database driver", zap.String("driver", *driver))
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		*username, *password, *host, *port, *name, *options)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, dsn); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	db, err := postgres.New(ctx, dsn)
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}
	defer db.Close()

	controller := postgres.NewController(db)
	lim := limiter.NewPGWithQuerier(db.Pool, 15*time.Minute, 5, 15*time.Minute)

	srv := server.New(logger, server.Config{
		Addr:           *addr,
		UploadLimit:    uint32(*uploadLimit),
		AccessTokenKey: keyBytes(*tokenKey),
		TLSCertFile:    *certFile,
		TLSKeyFile:     *keyFile,
	}, controller, lim)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func keyBytes(key string) []byte {
	if key == "" {
		return nil
	}
	return []byte(key)
}
