package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/roomsync/internal/config"
	"github.com/codefionn/roomsync/internal/diag"
	"github.com/codefionn/roomsync/internal/history"
	"github.com/codefionn/roomsync/internal/lockfile"
	"github.com/codefionn/roomsync/internal/logger"
	"github.com/codefionn/roomsync/internal/securemem"
	"github.com/codefionn/roomsync/internal/session"
	"github.com/codefionn/roomsync/internal/statusui"
	"github.com/codefionn/roomsync/internal/workspace"
	"github.com/prometheus/client_golang/prometheus"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	configPath  string
	dir         string
	room        string
	endpoint    string
	username    string
	listHistory bool
	forget      string
	diagAddr    string
	pprof       bool
	cpuProfile  string
	tui         bool
}

func main() {
	err := run()
	securemem.Cleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if envLevel := strings.TrimSpace(os.Getenv("ROOMSYNC_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("ROOMSYNC_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}

	if err := logger.Init(cfg.Level(), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()
	slog.SetDefault(slog.New(logger.NewSlogHandler(logger.Global().WithPrefix("slog"))))

	hist, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return err
	}
	defer hist.Close()

	if opts.listHistory {
		return printHistory(hist)
	}
	if opts.forget != "" {
		return forgetRoom(cfg, opts, hist)
	}
	return runSync(cfg, opts, hist)
}

func parseArgs(args []string) (*options, error) {
	fs := flag.NewFlagSet("roomsync", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := &options{}
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to the config file")
	fs.StringVar(&opts.dir, "dir", ".", "Workspace directory to sync")
	fs.StringVar(&opts.room, "room", "", "Room to join as owner/name (default: last room synced into -dir)")
	fs.StringVar(&opts.endpoint, "endpoint", "", "Server endpoint, overrides the config file")
	fs.StringVar(&opts.username, "user", "", "Username, overrides the config file")
	fs.BoolVar(&opts.listHistory, "history", false, "List recently joined rooms and exit")
	fs.StringVar(&opts.forget, "forget", "", "Remove owner/name at the endpoint from the room history and exit")
	fs.StringVar(&opts.diagAddr, "metrics", "", "Serve Prometheus metrics on this address (e.g. localhost:9120)")
	fs.BoolVar(&opts.pprof, "pprof", false, "Also serve /debug/pprof on the -metrics address")
	fs.BoolVar(&opts.tui, "tui", false, "Show a status screen instead of plain output")
	fs.StringVar(&opts.cpuProfile, "cpuprofile", "", "Write a CPU profile of the sync run to this file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", fs.Name())
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

// parseRoom splits "owner/name". A room URL such as
// https://floobits.com/owner/name is accepted too.
func parseRoom(s string) (session.RoomRef, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "/"); j >= 0 {
			s = s[j+1:]
		} else {
			s = ""
		}
	}
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return session.RoomRef{}, fmt.Errorf("room must be owner/name, got %q", s)
	}
	return session.RoomRef{Owner: parts[0], Name: parts[1]}, nil
}

func printHistory(hist *history.Store) error {
	entries, err := hist.Recent(20)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No rooms joined yet.")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%-30s %-28s %s (%dx, %s)\n",
			e.Ref(), e.Endpoint, e.Dir, e.Joins, e.LastJoined.Format(time.DateTime))
	}
	return nil
}

func forgetRoom(cfg *config.Config, opts *options, hist *history.Store) error {
	ref, err := parseRoom(opts.forget)
	if err != nil {
		return err
	}
	endpoint := cfg.Endpoint
	if opts.endpoint != "" {
		endpoint = opts.endpoint
	}
	if err := hist.Forget(endpoint, ref.Owner, ref.Name); err != nil {
		return fmt.Errorf("forget %s/%s: %w", ref.Owner, ref.Name, err)
	}
	fmt.Printf("Forgot %s/%s at %s\n", ref.Owner, ref.Name, endpoint)
	return nil
}

func runSync(cfg *config.Config, opts *options, hist *history.Store) error {
	dir, err := filepath.Abs(opts.dir)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(dir); err != nil {
		return err
	} else if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	endpoint := cfg.Endpoint
	if opts.endpoint != "" {
		endpoint = opts.endpoint
	}
	username := cfg.Username
	if opts.username != "" {
		username = opts.username
	}

	var ref session.RoomRef
	if opts.room != "" {
		if ref, err = parseRoom(opts.room); err != nil {
			return err
		}
	} else {
		last, ok, err := hist.ForDir(dir)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("no -room given and no room was synced into this directory before")
		}
		ref = session.RoomRef{Owner: last.Owner, Name: last.Room}
		if opts.endpoint == "" {
			endpoint = last.Endpoint
		}
		fmt.Fprintf(os.Stderr, "Rejoining %s\n", last.Ref())
	}

	lock, err := lockfile.ForWorkspace(config.StateDir(), dir)
	if err != nil {
		return err
	}
	if err := lock.TryAcquire(); err != nil {
		return fmt.Errorf("%s: %w", dir, err)
	}
	defer lock.Release()

	secret, err := unlockSecret(cfg, username)
	if err != nil {
		return err
	}
	defer secret.Destroy()

	ignore, err := workspace.NewIgnore(dir)
	if err != nil {
		return fmt.Errorf("failed to read ignore files: %w", err)
	}

	reg := prometheus.NewRegistry()
	ds := diag.New(diag.Config{
		Addr:       opts.diagAddr,
		Gatherer:   reg,
		Pprof:      opts.pprof,
		CPUProfile: opts.cpuProfile,
	})
	if err := ds.Start(); err != nil {
		return err
	}
	defer func() {
		if err := ds.Stop(); err != nil {
			logger.Warn("diagnostics: %v", err)
		}
	}()

	ed := newDiskEditor(os.Stderr)
	var editor session.Editor = ed
	var sess *session.Session
	var ui *statusui.UI
	if opts.tui {
		ed.out = io.Discard
		ui = statusui.New(ref.Owner+"/"+ref.Name,
			ed,
			func() session.State { return sess.State() },
			func() { sess.RequestLeave() })
		editor = ui
	}
	sess = session.New(session.Options{
		Editor:       editor,
		Logger:       logger.Global(),
		Metrics:      session.NewMetrics(reg),
		Transport:    cfg.TransportOptions(),
		Reconnect:    cfg.ReconnectPolicy(),
		DiffCeiling:  cfg.Sync.DiffCeiling,
		MaxFileBytes: cfg.Sync.MaxFileBytes,
		RebasePolicy: cfg.Sync.RebasePolicy,
		Version:      version,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := workspace.NewWatcher(dir, ignore, sess, workspace.WatchOptions{
		Debounce:     cfg.Debounce(),
		MaxFileBytes: cfg.Sync.MaxFileBytes,
		Logger:       logger.Global().WithPrefix("workspace"),
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	defer w.Close()
	files, err := workspace.Scan(ctx, dir, ignore, workspace.ScanOptions{MaxFileBytes: cfg.Sync.MaxFileBytes})
	if err != nil {
		return err
	}
	w.Seed(files)
	ed.attach(w)
	w.Start(ctx)

	err = sess.RequestJoin(ctx, session.JoinRequest{
		Endpoint:    endpoint,
		Credentials: session.Credentials{Username: username, Secret: secret},
		Room:        ref,
		Workspace:   dir,
		Ignore:      ignore,
	})
	if err != nil {
		return err
	}
	if err := hist.Record(endpoint, ref.Owner, ref.Name, dir); err != nil {
		logger.Warn("history: %v", err)
	}
	logger.Info("syncing %s/%s into %s", ref.Owner, ref.Name, dir)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			logger.Info("received %s, leaving room", sig)
			sess.RequestLeave()
		case <-ctx.Done():
		}
	}()

	if ui == nil {
		return sess.Wait()
	}
	go func() { ui.Finish(sess.Wait()) }()
	if err := ui.Run(); err != nil {
		sess.RequestLeave()
		return err
	}
	return sess.Wait()
}
