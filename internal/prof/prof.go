// Package prof runs continuous profiling against a Pyroscope server and
// labels API work so profiles split by gymgate area.
package prof

import (
	"context"
	"net/http"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/version"
	"github.com/keithlinneman/gymgate/internal/xerrors"
)

// AreaLabel is the pprof label Label sets.
const AreaLabel = "api_area"

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// Mutex and block sampling rates, zero leaves the runtime default.
	ProfileMutexFraction int
	BlockProfileRate     int
}

// BuildTags are the static profile tags for a build, merged with extra.
func BuildTags(vi version.Info, component string, extra map[string]string) map[string]string {
	tags := map[string]string{
		"component": component,
		"version":   vi.Version,
		"commit":    vi.Commit,
	}
	for k, v := range extra {
		tags[k] = v
	}
	return tags
}

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// Start begins profiling when enabled. The returned stop is never nil, and
// a disabled profiler is not an error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Debug(ctx, "profiling disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		return noop, xerrors.New("profiling enabled without a server address")
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    profileTypes,
	})
	if err != nil {
		return noop, xerrors.Wrapf(err, "start pyroscope for %s", opts.ServerAddress)
	}
	L.Info(ctx, "profiling started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	return func() {
		if err := profiler.Stop(); err != nil {
			L.Warn(context.Background(), "pyroscope stop", "error", err)
		}
	}, nil
}

// Label runs each request under the AreaLabel pprof label so CPU and
// allocation samples split by API area.
func Label(area string) func(http.Handler) http.Handler {
	labels := pyroscope.Labels(AreaLabel, area)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pyroscope.TagWrapper(r.Context(), labels, func(ctx context.Context) {
				next.ServeHTTP(w, r.WithContext(ctx))
			})
		})
	}
}
