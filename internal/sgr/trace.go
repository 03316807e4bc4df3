package sgr

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

// tracer persists per-conversion artifacts under {base}/{trace_id}/.
// Tracing is best effort; a failed write never fails the conversion.
type tracer struct {
	dir string
}

func newTracer(base, traceID string) *tracer {
	if base == "" {
		return &tracer{}
	}
	dir := filepath.Join(base, traceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("sgr trace dir unavailable", "dir", dir, "error", err)
		return &tracer{}
	}
	return &tracer{dir: dir}
}

func (t *tracer) write(name string, payload any) string {
	if t.dir == "" {
		return ""
	}
	path := filepath.Join(t.dir, name)
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		slog.Warn("sgr trace marshal failed", "file", name, "error", err)
		return ""
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		slog.Warn("sgr trace write failed", "file", name, "error", err)
		return ""
	}
	return path
}
