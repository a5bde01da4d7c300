package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"gnssmw/internal/config"
	"gnssmw/internal/sequencer"
)

// SettingsPayload is the runtime-tunable part of the middleware section.
type SettingsPayload struct {
	UplinkPort     int    `json:"uplink_port"`
	Constellations string `json:"constellations"`
	Aggregate      bool   `json:"aggregate"`
	Bypass         bool   `json:"bypass"`
}

// SettingsPayloadIn is the POST schema. Every key must be present exactly
// once and non-null.
type SettingsPayloadIn struct {
	UplinkPort     *int    `json:"uplink_port"`
	Constellations *string `json:"constellations"`
	Aggregate      *bool   `json:"aggregate"`
	Bypass         *bool   `json:"bypass"`
}

func (p *SettingsPayloadIn) field(key string) (any, bool) {
	switch key {
	case "uplink_port":
		return &p.UplinkPort, true
	case "constellations":
		return &p.Constellations, true
	case "aggregate":
		return &p.Aggregate, true
	case "bypass":
		return &p.Bypass, true
	}
	return nil, false
}

func (p SettingsPayloadIn) missing() string {
	switch {
	case p.UplinkPort == nil:
		return "uplink_port"
	case p.Constellations == nil:
		return "constellations"
	case p.Aggregate == nil:
		return "aggregate"
	case p.Bypass == nil:
		return "bypass"
	}
	return ""
}

// parseSettingsPayload walks the object key by key so duplicated keys are
// caught; encoding/json would silently keep the last one.
func parseSettingsPayload(body []byte) (SettingsPayloadIn, error) {
	var out SettingsPayloadIn
	dec := json.NewDecoder(bytes.NewReader(body))

	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return out, errors.New("invalid json: expected object")
	}
	seen := map[string]bool{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return out, fmt.Errorf("invalid json: %w", err)
		}
		key, _ := tok.(string)
		dst, ok := out.field(key)
		if !ok {
			return out, fmt.Errorf("invalid json: unknown key %q", key)
		}
		if seen[key] {
			return out, fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = true

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return out, fmt.Errorf("invalid json: %w", err)
		}
		if string(bytes.TrimSpace(raw)) == "null" {
			return out, fmt.Errorf("invalid json: %q cannot be null", key)
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return out, fmt.Errorf("invalid json: %s: %w", key, err)
		}
	}
	if tok, err := dec.Token(); err != nil || tok != json.Delim('}') {
		return out, errors.New("invalid json: expected end of object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return out, errors.New("invalid json: trailing data")
	}
	if k := out.missing(); k != "" {
		return out, fmt.Errorf("invalid json: missing required key %q", k)
	}
	return out, nil
}

func configToSettingsPayload(cfg config.Config) SettingsPayload {
	return SettingsPayload{
		UplinkPort:     cfg.Middleware.UplinkPort,
		Constellations: cfg.Middleware.Constellations,
		Aggregate:      cfg.Middleware.Aggregate,
		Bypass:         cfg.Middleware.Bypass,
	}
}

func applySettingsPayload(cfg *config.Config, p SettingsPayloadIn) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if k := p.missing(); k != "" {
		return fmt.Errorf("%s is required", k)
	}
	if *p.UplinkPort < 1 || *p.UplinkPort > 223 {
		return fmt.Errorf("uplink_port must be 1..223")
	}
	cons := strings.ToLower(strings.TrimSpace(*p.Constellations))
	if _, err := sequencer.ParseConstellation(cons); err != nil || cons == "" {
		return fmt.Errorf("constellations must be one of gps, beidou, both")
	}

	cfg.Middleware.UplinkPort = *p.UplinkPort
	cfg.Middleware.Constellations = cons
	cfg.Middleware.Aggregate = *p.Aggregate
	cfg.Middleware.Bypass = *p.Bypass
	return nil
}

// SettingsStore reads and writes the YAML config file. Apply, when set,
// makes a validated config effective before it is saved; an Apply error
// leaves the file untouched.
type SettingsStore struct {
	ConfigPath string
	Apply      func(cfg config.Config) error
}

func (s SettingsStore) save(cfg config.Config) error {
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return replaceFile(s.ConfigPath, b, 0o644)
}

// replaceFile writes b next to path and renames it over path.
func replaceFile(path string, b []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(b); err != nil {
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s SettingsStore) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(s.ConfigPath) == "" {
			http.Error(w, "settings not available (no config path)", http.StatusNotImplemented)
			return
		}
		switch r.Method {
		case http.MethodGet:
			cfg, err := config.Load(s.ConfigPath)
			if err != nil {
				http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, configToSettingsPayload(cfg))
		case http.MethodPost:
			s.post(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func (s SettingsStore) post(w http.ResponseWriter, r *http.Request) {
	if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
		return
	}
	p, err := parseSettingsPayload(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	prev, err := config.Load(s.ConfigPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
		return
	}
	next := prev
	if err := applySettingsPayload(&next, p); err != nil {
		http.Error(w, fmt.Sprintf("invalid settings: %v", err), http.StatusBadRequest)
		return
	}
	if err := config.DefaultAndValidate(&next); err != nil {
		http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
		return
	}
	if s.Apply != nil {
		if err := s.Apply(next); err != nil {
			http.Error(w, fmt.Sprintf("apply failed: %v", err), http.StatusBadRequest)
			return
		}
	}
	if err := s.save(next); err != nil {
		// Put the runtime back in line with the file.
		if s.Apply != nil {
			_ = s.Apply(prev)
		}
		http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, configToSettingsPayload(next))
}
