package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/depthmesh/mesh"
	"go.uber.org/zap"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(tracker *mesh.RunTracker, config *mesh.Config, log *zap.SugaredLogger) http.Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status    string        `json:"status"`
			Timestamp time.Time     `json:"timestamp"`
			State     mesh.RunState `json:"state"`
			HasResult bool          `json:"hasResult"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			State:     tracker.Status().State,
			HasResult: tracker.HasResult(),
		}
		writeJSON(w, log, status)
	})

	// Progress of the current run
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, tracker.Status())
	})

	mux.HandleFunc("/poses.json", func(w http.ResponseWriter, r *http.Request) {
		chain := tracker.Chain()
		if chain == nil {
			http.Error(w, "No pose chain available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, log, chain)
	})

	mux.HandleFunc("/summary.json", func(w http.ResponseWriter, r *http.Request) {
		summary := tracker.Summary()
		if summary == nil {
			http.Error(w, "No run summary available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, log, summary)
	})

	// Camera path and footprint as GeoJSON in scene units
	mux.HandleFunc("/trajectory.geojson", func(w http.ResponseWriter, r *http.Request) {
		chain := tracker.Chain()
		if chain == nil {
			http.Error(w, "No pose chain available", http.StatusServiceUnavailable)
			return
		}
		tolerance := 0.0
		if config != nil {
			tolerance = config.VoxelSize
		}
		data, err := mesh.TrajectoryFeatureCollection(chain, tracker.Merged(), tolerance).MarshalJSON()
		if err != nil {
			log.Errorf("Error encoding trajectory: %v", err)
			http.Error(w, "Failed to encode trajectory", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(data); err != nil {
			log.Warnf("Error writing trajectory: %v", err)
		}
	})

	// Top-down view of the merged cloud and camera path
	mux.HandleFunc("/topdown.svg", topDownHandler(tracker, log, "image/svg+xml", (*mesh.TopDownRenderer).RenderToSVG))
	mux.HandleFunc("/topdown.png", topDownHandler(tracker, log, "image/png", (*mesh.TopDownRenderer).RenderToPNG))

	return mux
}

// topDownHandler renders the tracker's result with render. The optional
// rotate query parameter turns the view by that many degrees.
func topDownHandler(tracker *mesh.RunTracker, log *zap.SugaredLogger, contentType string, render func(*mesh.TopDownRenderer, io.Writer) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chain, merged := tracker.Chain(), tracker.Merged()
		if chain == nil || merged.Len() == 0 {
			http.Error(w, "No merged cloud available", http.StatusServiceUnavailable)
			return
		}

		renderer := mesh.NewTopDownRenderer()
		if v := r.URL.Query().Get("rotate"); v != "" {
			deg, err := strconv.ParseFloat(v, 64)
			if err != nil {
				http.Error(w, "rotate must be a number of degrees", http.StatusBadRequest)
				return
			}
			renderer.GlobalRotation = deg
		}
		renderer.AddCloud("merged", merged, mesh.FramePalette(1)[0])
		renderer.Trajectory = chain.Trajectory()

		var buf bytes.Buffer
		if err := render(renderer, &buf); err != nil {
			log.Errorf("Error rendering %s: %v", r.URL.Path, err)
			http.Error(w, "Failed to render view", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := buf.WriteTo(w); err != nil {
			log.Warnf("Error writing %s: %v", r.URL.Path, err)
		}
	}
}

func writeJSON(w http.ResponseWriter, log *zap.SugaredLogger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Error encoding JSON response: %v", err)
	}
}
