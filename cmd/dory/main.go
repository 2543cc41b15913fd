// Command dory is the Kafka producer daemon: it accepts messages over its
// configured input sources and reliably routes them to the right topic
// partition's leader broker, batching and retrying as needed. Grounded on
// cmd/tempo/main.go's loadConfig/configIsValid split, with a startup
// ordering (parse config, optionally daemonize, bind the status socket
// before doing anything else so a second instance fails fast, then run)
// chosen so a misconfigured or already-running daemon fails before it
// can accept any traffic.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"

	"github.com/dory-project/dory/internal/conf"
	"github.com/dory-project/dory/internal/core"
)

const appName = "dory"

// Version, Branch and Revision are set via -ldflags -X at build time, the
// same way cmd/tempo/main.go's Version/Branch/Revision are.
var (
	Version  string
	Branch   string
	Revision string
)

func init() {
	version.Version = Version
	version.Branch = Branch
	version.Revision = Revision
}

func main() {
	os.Exit(run())
}

func run() int {
	printVersion := flag.Bool("version", false, "print version information and exit")
	daemon := flag.Bool("daemon", false, "fork into the background; prints the child pid and exits the parent")

	cfg, configVerify, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		return 1
	}
	if *printVersion {
		fmt.Println(version.Print(appName))
		return 0
	}

	logFile := newReopenableFile(cfg.Logging.FilePath)
	logger := newLogger(cfg.Logging, logFile)

	isValid := configIsValid(logger, cfg)
	if configVerify {
		if !isValid {
			return 1
		}
		return 0
	}

	if *daemon {
		pid, isParent, err := daemonize()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to daemonize: %v\n", err)
			return 1
		}
		if isParent {
			fmt.Println(pid)
			return 0
		}
	}

	d, err := core.New(cfg, version.Version, logger)
	if err != nil {
		level.Error(logger).Log("msg", "error constructing dory", "err", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		d.Shutdown()
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := logFile.Reopen(); err != nil {
				level.Error(logger).Log("msg", "failed to reopen log file on SIGHUP", "err", err)
				continue
			}
			level.Info(logger).Log("msg", "reopened log file", "path", cfg.Logging.FilePath)
		}
	}()

	level.Info(logger).Log("msg", "starting dory", "version", version.Version)
	if err := d.Run(context.Background()); err != nil {
		level.Error(logger).Log("msg", "error running dory", "err", err)
		return 1
	}
	return 0
}

// configIsValid logs every configuration warning and reports whether the
// config had none, mirroring cmd/tempo/main.go's configIsValid.
func configIsValid(logger log.Logger, cfg *conf.Config) bool {
	warnings := cfg.CheckConfig()
	if len(warnings) == 0 {
		return true
	}
	level.Warn(logger).Log("msg", "-- CONFIGURATION WARNINGS --")
	for _, w := range warnings {
		kv := []any{"msg", w.Message}
		if w.Explain != "" {
			kv = append(kv, "explain", w.Explain)
		}
		level.Warn(logger).Log(kv...)
	}
	return false
}

// loadConfig pre-scans argv for -config.file and -config.expand-env (flag
// parsing stops at the first unrecognized flag, so config.Load's own
// RegisterFlagsAndApplyDefaults hasn't run yet), then lets flags win last
// over whatever the config file set. Mirrors cmd/tempo/main.go's
// loadConfig.
func loadConfig() (*conf.Config, bool, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
		configVerifyOption    = "config.verify"
	)

	var (
		configFile      string
		configExpandEnv bool
		configVerify    bool
	)

	args := os.Args[1:]

	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")
	fs.BoolVar(&configVerify, configVerifyOption, false, "")

	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	flag.StringVar(&configFile, configFileOption, configFile, "configuration file to load")
	flag.BoolVar(&configExpandEnv, configExpandEnvOption, configExpandEnv, "expand environment variables in the config file")
	flag.BoolVar(&configVerify, configVerifyOption, configVerify, "verify configuration and exit")

	cfg := &conf.Config{}
	if err := conf.Load(flag.CommandLine, cfg, configFile, configExpandEnv, os.Args[1:]); err != nil {
		return nil, false, err
	}
	return cfg, configVerify, nil
}

// newLogger builds a go-kit logger filtered at the configured level,
// writing logfmt lines to stdout, a file, or both per LoggingConf. The
// file side goes through logFile so a later SIGHUP can reopen it (e.g.
// after logrotate renames it out from under the open descriptor).
func newLogger(cfg conf.LoggingConf, logFile *reopenableFile) log.Logger {
	var w io.Writer = os.Stdout
	if logFile != nil && logFile.f != nil && cfg.FilePath != "" {
		if cfg.Stdout {
			w = io.MultiWriter(os.Stdout, logFile)
		} else {
			w = logFile
		}
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return level.NewFilter(logger, levelOption(cfg.Level))
}

// reopenableFile wraps an os.File opened at path, swapped out for a fresh
// descriptor to the same path on Reopen. An empty path makes every Write
// a no-op against the file side; newLogger then writes to stdout alone.
type reopenableFile struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// newReopenableFile opens path (creating it if needed) unless path is
// empty, in which case Write and Reopen are no-ops and the caller relies
// on stdout alone.
func newReopenableFile(path string) *reopenableFile {
	r := &reopenableFile{path: path}
	if path == "" {
		return r
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file %s, logging to stdout only: %v\n", path, err)
		return r
	}
	r.f = f
	return r
}

func (r *reopenableFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return len(p), nil
	}
	return r.f.Write(p)
}

// Reopen closes the current descriptor (if any) and opens a fresh one at
// the same path, picking up a file a log-rotation tool renamed out from
// under the previous descriptor.
func (r *reopenableFile) Reopen() error {
	if r.path == "" {
		return nil
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("reopen log file %s: %w", r.path, err)
	}
	r.mu.Lock()
	old := r.f
	r.f = f
	r.mu.Unlock()
	if old != nil {
		return old.Close()
	}
	return nil
}

func levelOption(lvl string) level.Option {
	switch lvl {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// daemonChildEnv marks a re-exec'd process as the detached child so it
// doesn't try to daemonize again.
const daemonChildEnv = "DORY_DAEMON_CHILD=1"

// daemonize re-execs the current process detached from the controlling
// terminal in a new session, the Go equivalent of Server::Daemonize. It
// returns (childPid, true, nil) in the parent, which should print the
// pid and exit, and (0, false, nil) in the child, which should continue
// starting the daemon.
func daemonize() (int, bool, error) {
	for _, e := range os.Environ() {
		if e == daemonChildEnv {
			return 0, false, nil
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return 0, false, err
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, false, err
	}
	defer devNull.Close()

	proc, err := os.StartProcess(exe, os.Args, &os.ProcAttr{
		Env:   append(os.Environ(), daemonChildEnv),
		Files: []*os.File{devNull, devNull, devNull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return 0, false, err
	}
	return proc.Pid, true, nil
}
