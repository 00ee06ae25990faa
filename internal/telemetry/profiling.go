package telemetry

import (
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// BuildInfo describes the running binary on /build.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
	GOOS      string `json:"go_os"`
	GOARCH    string `json:"go_arch"`
	NumCPU    int    `json:"num_cpu"`
	MaxProcs  int    `json:"max_procs"`
	Module    string `json:"module,omitempty"`
}

// EnableProfiling mounts pprof under /debug and serves info on /build.
func (ms *MonitoringServer) EnableProfiling(info BuildInfo) {
	info.GoVersion = runtime.Version()
	info.GOOS = runtime.GOOS
	info.GOARCH = runtime.GOARCH
	info.NumCPU = runtime.NumCPU()
	info.MaxProcs = runtime.GOMAXPROCS(0)
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.Module = bi.Main.Path
	}

	ms.router.Mount("/debug", middleware.Profiler())
	ms.router.Get("/build", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(info); err != nil {
			log.Debug().Err(err).Msg("write build info")
		}
	})
	log.Debug().Msg("profiling endpoints enabled")
}
