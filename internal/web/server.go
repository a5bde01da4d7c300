package web

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gnssmw/internal/record"
	"gnssmw/internal/sequencer"
)

// Controller is the part of the sequencer the API drives. Implementations
// must be safe to call concurrently.
type Controller interface {
	Version() sequencer.Version
	Snapshot() sequencer.Snapshot
	Start(mode sequencer.Mode, startDelay time.Duration) error
	Cancel() error
	SetUserAidingPosition(lat, lon float32) error
	SetSolverAidingPosition(payload []byte) error
	ModeByName(name string) (sequencer.Mode, bool)
}

// GroupLister returns recently reported scan groups.
type GroupLister interface {
	RecentGroups(limit int) ([]record.GroupSummary, error)
}

type Options struct {
	Status     *Status
	Controller Controller
	Groups     GroupLister
	Settings   SettingsStore
	Logs       *LogBuffer
	Gatherer   prometheus.Gatherer
}

func Handler(opts Options) http.Handler {
	status := opts.Status
	if status == nil {
		status = NewStatus()
	}
	ctl := opts.Controller

	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, status.Snapshot(time.Now().UTC(), ctl))
	})

	mux.HandleFunc("/api/groups", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if opts.Groups == nil {
			http.Error(w, "recording disabled", http.StatusNotFound)
			return
		}
		limit := 20
		if s := strings.TrimSpace(r.URL.Query().Get("limit")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 500 {
				http.Error(w, "limit must be an integer in [1,500]", http.StatusBadRequest)
				return
			}
			limit = v
		}
		groups, err := opts.Groups.RecentGroups(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("query failed: %v", err), http.StatusInternalServerError)
			return
		}
		if groups == nil {
			groups = []record.GroupSummary{}
		}
		writeJSON(w, http.StatusOK, struct {
			Groups []record.GroupSummary `json:"groups"`
		}{Groups: groups})
	})

	mux.HandleFunc("/api/scan/start", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) || !requireController(w, ctl) {
			return
		}
		var req struct {
			Mode       string `json:"mode"`
			StartDelay string `json:"start_delay"`
		}
		if err := decodeJSONBody(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mode, ok := ctl.ModeByName(strings.ToLower(strings.TrimSpace(req.Mode)))
		if !ok {
			http.Error(w, fmt.Sprintf("unknown mode %q", req.Mode), http.StatusBadRequest)
			return
		}
		var delay time.Duration
		if s := strings.TrimSpace(req.StartDelay); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid start_delay %q: %v", s, err), http.StatusBadRequest)
				return
			}
			delay = d
		}
		if err := ctl.Start(mode, delay); err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, ctl.Snapshot())
	})

	mux.HandleFunc("/api/scan/cancel", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) || !requireController(w, ctl) {
			return
		}
		if err := ctl.Cancel(); err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, ctl.Snapshot())
	})

	// Exactly one of lat_deg/lon_deg or solver_hex is accepted.
	mux.HandleFunc("/api/aiding", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) || !requireController(w, ctl) {
			return
		}
		var req struct {
			LatDeg    *float64 `json:"lat_deg"`
			LonDeg    *float64 `json:"lon_deg"`
			SolverHex string   `json:"solver_hex"`
		}
		if err := decodeJSONBody(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hasPos := req.LatDeg != nil || req.LonDeg != nil
		hasSolver := strings.TrimSpace(req.SolverHex) != ""
		if hasPos == hasSolver {
			http.Error(w, "provide either lat_deg and lon_deg or solver_hex", http.StatusBadRequest)
			return
		}

		var err error
		if hasPos {
			if req.LatDeg == nil || req.LonDeg == nil {
				http.Error(w, "lat_deg and lon_deg are both required", http.StatusBadRequest)
				return
			}
			if *req.LatDeg < -90 || *req.LatDeg > 90 || *req.LonDeg < -180 || *req.LonDeg > 180 {
				http.Error(w, "position out of range", http.StatusBadRequest)
				return
			}
			err = ctl.SetUserAidingPosition(float32(*req.LatDeg), float32(*req.LonDeg))
		} else {
			payload, decErr := hex.DecodeString(strings.TrimSpace(req.SolverHex))
			if decErr != nil {
				http.Error(w, fmt.Sprintf("invalid solver_hex: %v", decErr), http.StatusBadRequest)
				return
			}
			err = ctl.SetSolverAidingPosition(payload)
		}
		if err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	if strings.TrimSpace(opts.Settings.ConfigPath) != "" {
		mux.Handle("/api/settings", opts.Settings.Handler())
	}

	if opts.Logs != nil {
		mux.Handle("/api/logs", opts.Logs.Handler())
	}

	mux.Handle("/api/about", AboutHandler(ctl))

	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		snap := status.Snapshot(time.Now().UTC(), ctl)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>gnssmw</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>gnssmw</h1>")
		_, _ = fmt.Fprintf(w, "<p>See <a href=\"/api/status\">/api/status</a> and <a href=\"/api/groups\">/api/groups</a>.</p>")
		_, _ = fmt.Fprintf(w, "<pre>state=%s\nmode=%s\nsequence_id=%s\nlast_event=%s\ngroups_reported=%d</pre>",
			snap.Sequencer.State, snap.Sequencer.Mode, snap.Sequencer.SequenceID, snap.LastEvent, snap.GroupsReported,
		)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func requireController(w http.ResponseWriter, ctl Controller) bool {
	if ctl == nil {
		http.Error(w, "sequencer unavailable", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// decodeJSONBody reads a small JSON object. An empty body leaves v untouched.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid json: trailing data")
	}
	return nil
}

func writeControllerError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, sequencer.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, sequencer.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, sequencer.ErrNotReady), errors.Is(err, sequencer.ErrStopped):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func Serve(ctx context.Context, listenAddr string, opts Options) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
