package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
)

// ReportsHandler serves generated HTML, JSON and PDF reports from the reports
// directory. HTML is sanitized on the way out.
type ReportsHandler struct {
	dir string
}

func (h *ReportsHandler) Register(g *echo.Group) {
	g.GET("/*", h.serve)
}

func (h *ReportsHandler) serve(c echo.Context) error {
	if h.dir == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "reports directory not configured")
	}
	path, ok := resolveReport(h.dir, c.Param("*"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		raw, err := os.ReadFile(path)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "report not found")
		}
		return c.HTMLBlob(http.StatusOK, SanitizeReport(raw))
	}
	return c.File(path)
}

// resolveReport joins name onto dir, refusing anything that escapes dir.
func resolveReport(dir, name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	path := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return path, true
}
