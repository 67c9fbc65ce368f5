package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/quintal-io/stevedore/backend"
	"github.com/quintal-io/stevedore/config"
	"github.com/quintal-io/stevedore/engine"
	"github.com/quintal-io/stevedore/logging"
	"github.com/quintal-io/stevedore/recon"
	"github.com/quintal-io/stevedore/store"
	"github.com/quintal-io/stevedore/ui"
)

func main() {
	var (
		opName       string
		source       string
		dest         string
		password     string
		verify       bool
		syncMode     bool
		syncPull     bool
		syncCron     string
		excludes     string
		sftpUser     string
		sftpPassword string
		sftpKeyFile  string
		sftpKnown    string
	)

	flag.StringVar(&opName, "op", "copy", "Operation: copy, move or extract")
	flag.StringVar(&source, "source", "", "Source locators, comma separated (path, s3://bucket/key, sftp://host/path, archive.zip::entry)")
	flag.StringVar(&dest, "dest", "", "Destination (path, s3://bucket/prefix, sftp://host/path)")
	flag.StringVar(&password, "password", "", "Password for client-side encryption on backends that support it")
	flag.BoolVar(&verify, "checksum", false, "Enable streaming checksum verification (CRC64) on local copies")
	flag.BoolVar(&syncMode, "sync", false, "Reconcile -source against -dest instead of transferring directly")
	flag.BoolVar(&syncPull, "sync-pull", false, "Treat the destination as authoritative when syncing")
	flag.StringVar(&syncCron, "sync-cron", "", "Cron expression to repeat the sync on (implies -sync)")
	flag.StringVar(&excludes, "exclude", "", "Exclude glob patterns for sync, comma separated")
	flag.StringVar(&sftpUser, "sftp-user", "", "Username for sftp:// locators")
	flag.StringVar(&sftpPassword, "sftp-password", "", "Password for sftp:// locators")
	flag.StringVar(&sftpKeyFile, "sftp-key", "", "Private key file for sftp:// locators")
	flag.StringVar(&sftpKnown, "sftp-known-hosts", "", "known_hosts file for host key verification")
	opts := config.ParseOptions()

	if source == "" || dest == "" {
		fmt.Println("Usage: stevedore -source <src> -dest <dst> [options]")
		fmt.Println("\nOptions:")
		flag.PrintDefaults()
		fmt.Println("\nExamples:")
		fmt.Println("  stevedore -source /data/photos -dest s3://backup/photos")
		fmt.Println("  stevedore -op move -source a.iso,b.iso -dest sftp://nas/archive -sftp-user admin")
		fmt.Println("  stevedore -op extract -source bundle.tar.gz -dest /data/restore")
		fmt.Println("  stevedore -sync -source /data -dest /mnt/mirror -exclude '*.tmp'")
		os.Exit(1)
	}

	var logger *slog.Logger
	if opts.LogFile != "" {
		logger = logging.NewWithFile("stevedore", opts.LogLevel, opts.LogFile, opts.TUI)
	} else {
		logger = logging.New("stevedore", opts.LogLevel)
	}

	if err := os.MkdirAll(opts.StateDir, 0755); err != nil {
		log.Fatalf("Failed to create state directory: %v", err)
	}

	stateStore, err := store.NewBoltStore(filepath.Join(opts.StateDir, "state.db"))
	if err != nil {
		log.Fatalf("Failed to initialize state store: %v", err)
	}
	defer stateStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	op, err := parseOp(opName)
	if err != nil {
		log.Fatalf("Invalid operation: %v", err)
	}

	srcID, srcPaths, err := parseSources(source, op)
	if err != nil {
		log.Fatalf("Invalid source: %v", err)
	}
	dstID, dstPath, err := parseLocator(dest)
	if err != nil {
		log.Fatalf("Invalid destination: %v", err)
	}

	settings := config.NewSettings(opts.MaxConcurrent, opts.BandwidthLimit)
	local := backend.NewLocal(backend.DefaultBufferSize, verify, logger)
	dispatcher := backend.NewDispatcher(local, filepath.Join(opts.StateDir, "stage"), logger)

	auth := sftpAuth{
		user:      sftpUser,
		password:  sftpPassword,
		keyFile:   sftpKeyFile,
		knownFile: sftpKnown,
	}
	for _, id := range []backend.ID{srcID, dstID} {
		if err := registerRemote(ctx, dispatcher, id, auth, logger); err != nil {
			log.Fatalf("Failed to connect %s backend %q: %v", id.Kind, id.Conn, err)
		}
	}

	scheduler := engine.NewScheduler(settings, dispatcher, stateStore, logger)
	defer scheduler.Close()
	if err := scheduler.Restore(); err != nil {
		log.Fatalf("Failed to restore persisted transfers: %v", err)
	}

	if syncMode || syncCron != "" {
		runSync(ctx, scheduler, dispatcher, syncOptions{
			src:      recon.Context{Backend: srcID, Root: srcPaths[0]},
			dst:      recon.Context{Backend: dstID, Root: dstPath},
			excludes: splitList(excludes),
			pull:     syncPull,
			cron:     syncCron,
			log:      logger,
			headless: !opts.TUI,
			settings: settings,
		})
		return
	}

	if _, err := scheduler.Enqueue(engine.Spec{
		Op:          op,
		Source:      srcID,
		Dest:        dstID,
		Sources:     srcPaths,
		Destination: dstPath,
		Password:    password,
	}); err != nil {
		log.Fatalf("Failed to enqueue transfer: %v", err)
	}

	if opts.TUI {
		program := tea.NewProgram(ui.NewModel(scheduler, settings), tea.WithAltScreen())
		if _, err := program.Run(); err != nil {
			log.Fatalf("TUI error: %v", err)
		}
		return
	}

	waitHeadless(ctx, scheduler, logger)
}

// waitHeadless polls the queue until every record is terminal or the
// process is interrupted.
func waitHeadless(ctx context.Context, scheduler *engine.Scheduler, logger *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupted, checkpointing and exiting")
			return
		case <-ticker.C:
		}

		allDone := true
		failed := 0
		for _, snap := range scheduler.List() {
			if !snap.Status.Terminal() {
				allDone = false
			}
			if snap.Status == engine.StatusFailed {
				failed++
			}
		}
		agg := scheduler.Aggregate()
		if agg.Running > 0 {
			logger.Info("transferring", "running", agg.Running, "percent", agg.Percent)
		}
		if allDone {
			if failed > 0 {
				logger.Error("finished with failures", "failed", failed)
				os.Exit(1)
			}
			logger.Info("all transfers finished")
			return
		}
	}
}

type syncOptions struct {
	src, dst recon.Context
	excludes []string
	pull     bool
	cron     string
	log      *slog.Logger
	headless bool
	settings *config.Settings
}

// syncRunner builds and applies a full plan on every pass. Entries that
// differ are selected by default, so an unattended run mirrors the
// authoritative side completely.
type syncRunner struct {
	scheduler  *engine.Scheduler
	dispatcher *backend.Dispatcher
	log        *slog.Logger
}

func (r *syncRunner) RunSync(ctx context.Context, sch recon.Schedule) error {
	plan, err := recon.BuildPlan(ctx, recon.LocalDiffer{}, sch.Src, sch.Dst, sch.Excludes, sch.Direction)
	if err != nil {
		return err
	}
	snaps, err := plan.Apply(ctx, r.scheduler, r.dispatcher)
	if err != nil {
		return err
	}
	r.log.Info("sync pass applied",
		"name", sch.Name, "transfers", len(snaps),
		"new", plan.Summary.New, "modified", plan.Summary.Modified, "deleted", plan.Summary.Deleted)
	return nil
}

func runSync(ctx context.Context, scheduler *engine.Scheduler, dispatcher *backend.Dispatcher, o syncOptions) {
	if o.src.Backend.Kind != backend.KindLocal || o.dst.Backend.Kind != backend.KindLocal {
		log.Fatal("sync currently reconciles local trees only")
	}

	dir := recon.DirectionPush
	if o.pull {
		dir = recon.DirectionPull
	}
	runner := &syncRunner{scheduler: scheduler, dispatcher: dispatcher, log: o.log}
	sch := recon.Schedule{
		Name:      fmt.Sprintf("%s -> %s", o.src.Root, o.dst.Root),
		Src:       o.src,
		Dst:       o.dst,
		Excludes:  o.excludes,
		Direction: dir,
	}

	if o.cron == "" {
		if err := runner.RunSync(ctx, sch); err != nil {
			log.Fatalf("Sync failed: %v", err)
		}
		waitHeadless(ctx, scheduler, o.log)
		return
	}

	sch.CronExpr = o.cron
	cronSched := recon.NewCronScheduler(runner, o.log)
	if err := cronSched.Add(&sch); err != nil {
		log.Fatalf("Failed to add sync schedule: %v", err)
	}
	if err := cronSched.Start(); err != nil {
		log.Fatalf("Failed to start sync scheduler: %v", err)
	}
	defer cronSched.Stop()

	if o.headless {
		<-ctx.Done()
		o.log.Info("interrupted, stopping sync schedules")
		return
	}
	program := tea.NewProgram(ui.NewModel(scheduler, o.settings), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		log.Fatalf("TUI error: %v", err)
	}
}

func parseOp(name string) (backend.Op, error) {
	switch name {
	case "copy":
		return backend.OpCopy, nil
	case "move":
		return backend.OpMove, nil
	case "extract":
		return backend.OpExtract, nil
	}
	return 0, fmt.Errorf("unknown operation %q", name)
}

// parseSources splits the comma-separated source list and resolves the
// shared backend. Every source must live on the same backend.
func parseSources(raw string, op backend.Op) (backend.ID, []string, error) {
	var id backend.ID
	var paths []string
	for i, loc := range splitList(raw) {
		locID, path, err := parseSourceLocator(loc, op)
		if err != nil {
			return backend.ID{}, nil, err
		}
		if i == 0 {
			id = locID
		} else if locID != id {
			return backend.ID{}, nil, fmt.Errorf("sources span multiple backends: %v and %v", id, locID)
		}
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		return backend.ID{}, nil, fmt.Errorf("no sources given")
	}
	return id, paths, nil
}

func parseSourceLocator(loc string, op backend.Op) (backend.ID, string, error) {
	// archive.tar.gz::inner/prefix selects entries inside an archive;
	// a bare archive path with -op extract selects everything.
	if archive, entry, ok := strings.Cut(loc, "::"); ok && isArchive(archive) {
		return backend.ArchiveFile(archive), entry, nil
	}
	if op == backend.OpExtract && isArchive(loc) {
		return backend.ArchiveFile(loc), ".", nil
	}
	return parseLocator(loc)
}

func parseLocator(loc string) (backend.ID, string, error) {
	switch {
	case strings.HasPrefix(loc, "s3://"):
		rest := strings.TrimPrefix(loc, "s3://")
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return backend.ID{}, "", fmt.Errorf("missing bucket in %q", loc)
		}
		return backend.ObjectConn(bucket), key, nil
	case strings.HasPrefix(loc, "sftp://"):
		rest := strings.TrimPrefix(loc, "sftp://")
		host, path, _ := strings.Cut(rest, "/")
		if host == "" {
			return backend.ID{}, "", fmt.Errorf("missing host in %q", loc)
		}
		return backend.SecureConn(host), path, nil
	}
	return backend.LocalFS(), loc, nil
}

func isArchive(path string) bool {
	for _, ext := range []string{".zip", ".tar", ".tar.gz", ".tgz"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

type sftpAuth struct {
	user      string
	password  string
	keyFile   string
	knownFile string
}

// registerRemote connects the remote client a backend ID needs, once per
// connection name.
func registerRemote(ctx context.Context, d *backend.Dispatcher, id backend.ID, auth sftpAuth, logger *slog.Logger) error {
	switch id.Kind {
	case backend.KindObject:
		remote, err := backend.NewS3Remote(ctx, id.Conn, logger)
		if err != nil {
			return err
		}
		d.RegisterRemote(id.Conn, remote)
	case backend.KindSecure:
		remote, err := dialSecure(id.Conn, auth, logger)
		if err != nil {
			return err
		}
		d.RegisterRemote(id.Conn, remote)
	}
	return nil
}

func dialSecure(host string, auth sftpAuth, logger *slog.Logger) (*backend.SFTPRemote, error) {
	if auth.user == "" {
		return nil, fmt.Errorf("sftp locators require -sftp-user")
	}

	var methods []ssh.AuthMethod
	if auth.keyFile != "" {
		key, err := os.ReadFile(auth.keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if auth.password != "" {
		methods = append(methods, ssh.Password(auth.password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("sftp locators require -sftp-password or -sftp-key")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if auth.knownFile != "" {
		cb, err := knownhosts.New(auth.knownFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKey = cb
	}

	addr := host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	return backend.DialSFTP(addr, auth.user, methods, hostKey, logger)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
