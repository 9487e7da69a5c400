// Command server runs the gymgate API and its ops listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/keithlinneman/gymgate/internal/cfg"
	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/version"
)

func main() {
	vi := version.Get()

	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "print build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s commit=%s commit_date=%s build_id=%s build_date=%s go=%s dirty=%s\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildID, vi.BuildDate, vi.GoVersion, vi.DirtyString())
		return
	}

	cfg.FillFromEnv(flag.CommandLine, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(2)
	}

	logOpts, err := conf.LogOptions(vi)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(2)
	}
	lg, err := log.New(logOpts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", "server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting gymgate", append(vi.LogFields(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"db_path", conf.DBPath,
		"ratelimit_store", conf.RateLimitStore,
		"redis_fallback", conf.RedisFallback,
		"policy_file", conf.PolicyFile,
		"session_mode", conf.SessionMode,
		"trusted_hops", conf.TrustedHops,
		"purge_schedule", conf.PurgeSchedule,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"stacktrace_level", conf.StacktraceLevel,
	)...)

	if err := run(ctx, L, conf, vi); err != nil {
		L.Error(context.Background(), err, "server exited with error")
		_ = lg.Sync()
		os.Exit(1)
	}
	L.Info(context.Background(), "shutdown complete")
}
