package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"time"

	"ayna-qibla/internal/qibla"
)

type AboutResponse struct {
	Service    string  `json:"service"`
	NowUTC     string  `json:"now_utc"`
	GoVersion  string  `json:"go_version"`
	ModulePath string  `json:"module_path,omitempty"`
	Version    string  `json:"version,omitempty"`
	Commit     string  `json:"commit,omitempty"`
	Dirty      bool    `json:"dirty,omitempty"`
	BuildTime  string  `json:"build_time,omitempty"`
	KaabaLat   float64 `json:"kaaba_lat_deg"`
	KaabaLon   float64 `json:"kaaba_lon_deg"`
}

// AboutHandler reports build metadata from debug.ReadBuildInfo.
func AboutHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := AboutResponse{
			Service:   serviceName,
			NowUTC:    time.Now().UTC().Format(time.RFC3339Nano),
			GoVersion: runtime.Version(),
			KaabaLat:  qibla.Kaaba.LatDeg,
			KaabaLon:  qibla.Kaaba.LonDeg,
		}

		if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
			resp.ModulePath = bi.Main.Path
			resp.Version = bi.Main.Version
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					resp.Commit = s.Value
				case "vcs.modified":
					resp.Dirty = s.Value == "true"
				case "vcs.time":
					resp.BuildTime = s.Value
				}
			}
		}

		writeJSON(w, http.StatusOK, resp)
	})
}
