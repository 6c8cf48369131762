package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dheeraj-coding/zed/pkg/admin"
	"github.com/dheeraj-coding/zed/pkg/archive"
	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/dheeraj-coding/zed/pkg/directory"
	"github.com/dheeraj-coding/zed/pkg/server"
)

// envDefault returns the environment variable value if set, otherwise the fallback.
func envDefault(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func main() {
	confFile := flag.String("conf", envDefault("ZED_CONF", ""), "Path to server config file (env: ZED_CONF)")
	port := flag.Int("port", 0, "HTTP(S) port, overrides config")
	dbPath := flag.String("db", "", "Path to the channel database, overrides config")
	backend := flag.String("backend", "", "Storage backend: bolt or sqlite, overrides config")
	usersFile := flag.String("users", "", "Path to users file, overrides config")
	restoreArchive := flag.String("restore", envDefault("ZED_RESTORE", ""), "Restore from archive before boot (env: ZED_RESTORE)")
	overwriteConf := flag.Bool("restore-conf", false, "Let -restore replace config files that differ from the archive")
	flag.Usage = usage
	flag.Parse()

	log.Printf("Welcome to %s", server.VersionString())

	opts := overrides{port: *port, dbPath: *dbPath, backend: *backend, usersFile: *usersFile}
	gc, err := loadConf(*confFile, opts)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	// Pre-boot restore from archive
	if *restoreArchive != "" {
		log.Printf("Restoring from archive: %s", *restoreArchive)
		m, err := archive.ReadManifest(*restoreArchive)
		if err != nil {
			log.Fatalf("Restore failed: %v", err)
		}
		if m.Backend != gc.Backend {
			log.Fatalf("Archive holds a %s database but the backend is %s", m.Backend, gc.Backend)
		}
		result, err := archive.Restore(archive.RestoreParams{
			ArchivePath: *restoreArchive,
			DBDest:      gc.DBPath,
			ConfDest:    *confFile,
			UsersDest:   gc.UsersFile,
			Overwrite:   *overwriteConf,
		})
		if err != nil {
			log.Fatalf("Restore failed: %v", err)
		}
		log.Printf("Restore complete: %d files restored (seq %d, %d channels)",
			result.FilesRestored, result.Manifest.Seq, result.Manifest.Channels)
		for _, w := range result.Warnings {
			log.Printf("Restore warning: %s", w)
		}
		// The config may have come back with the database.
		if gc, err = loadConf(*confFile, opts); err != nil {
			log.Fatalf("Error reloading restored config: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, gc, *confFile); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Printf("Shutdown complete")
}

func run(ctx context.Context, gc *server.ServerConf, confPath string) error {
	store, err := server.OpenStore(gc)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", gc.Backend, err)
	}
	defer store.Close()
	log.Printf("Opened %s store at %s", gc.Backend, gc.DBPath)

	if gc.ValidateBoot {
		if _, _, err := server.CheckStore(ctx, store, gc.RepairBoot); err != nil {
			return fmt.Errorf("boot validation: %w", err)
		}
	}

	users, err := server.LoadUsers(gc.UsersFile)
	if err != nil {
		return err
	}
	log.Printf("Loaded %d users from %s", users.Count(), gc.UsersFile)

	srv, err := server.New(ctx, directory.New(store, nil), gc.SessionConfig())
	if err != nil {
		return err
	}

	archiver := server.NewArchiver(srv, store, gc, confPath)
	if gc.JWTSecret == "" {
		log.Printf("No jwt_secret set, tokens will not survive a restart")
	}
	web := server.NewWebServer(srv, users, gc.WebConfig())
	web.Mount("/admin/", admin.New(server.NewOperator(srv, users, archiver, gc), filepath.Dir(gc.DBPath)).Handler("/admin"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return web.Start(gc.WebConfig())
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return web.Stop(shutdownCtx)
	})
	g.Go(func() error {
		return users.Watch(gctx, func(removed []chandb.UserID) {
			for _, id := range removed {
				if n := srv.DisconnectUser(id); n > 0 {
					log.Printf("Disconnected %d session(s) of removed user %s", n, id)
				}
			}
		})
	})
	g.Go(func() error {
		return archiver.Run(gctx, time.Duration(gc.ArchiveInterval)*time.Minute)
	})

	log.Printf("Starting %s on port %d...", gc.Name, gc.WebPort)
	return g.Wait()
}

// overrides holds command-line values that replace config settings.
type overrides struct {
	port      int
	dbPath    string
	backend   string
	usersFile string
}

// loadConf loads the config file and environment, then applies overrides.
func loadConf(path string, o overrides) (*server.ServerConf, error) {
	gc, err := server.LoadServerConf(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		log.Printf("Loaded config from %s", path)
	}
	if o.port != 0 {
		gc.WebPort = o.port
	}
	if o.dbPath != "" {
		gc.DBPath = o.dbPath
	}
	if o.backend != "" {
		gc.Backend = o.backend
	}
	if o.usersFile != "" {
		gc.UsersFile = o.usersFile
	}
	if err := gc.Validate(); err != nil {
		return nil, err
	}
	if gc.UsersFile == "" {
		return nil, fmt.Errorf("no users file configured (users_file, ZED_USERS_FILE or -users)")
	}
	return gc, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: zed-server [-conf <config>] [-users <users.yaml>] [-db <path>] [-backend bolt|sqlite] [-port 8443]")
	fmt.Fprintln(os.Stderr, "       zed-server -conf <config> -restore <archive.tar.gz> [-restore-conf]")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment variables (override the config file; flags override both):")
	fmt.Fprintln(os.Stderr, "  ZED_CONF              Path to server config file (.yaml)")
	fmt.Fprintln(os.Stderr, "  ZED_BACKEND           bolt or sqlite")
	fmt.Fprintln(os.Stderr, "  ZED_DB_PATH           Path to the channel database")
	fmt.Fprintln(os.Stderr, "  ZED_USERS_FILE        Path to users file")
	fmt.Fprintln(os.Stderr, "  ZED_WEB_PORT          HTTP(S) port")
	fmt.Fprintln(os.Stderr, "  ZED_JWT_SECRET        Token signing secret")
	fmt.Fprintln(os.Stderr, "  ZED_ADMIN_PASS        Operator password for /admin")
	fmt.Fprintln(os.Stderr, "  ZED_RESTORE           Path to archive .tar.gz for pre-boot restore")
	fmt.Fprintln(os.Stderr, "  ZED_ARCHIVE_DIR       Archive output directory")
	fmt.Fprintln(os.Stderr, "  ZED_ARCHIVE_INTERVAL  Auto-archive interval in minutes")
	fmt.Fprintln(os.Stderr, "  ZED_ARCHIVE_RETAIN    Keep last N archives")
}
