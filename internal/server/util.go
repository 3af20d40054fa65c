package server

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// normalizeBase turns "api", "/api/" and " /api" into "/api"; "/" and ""
// mount at the root.
func normalizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

var serviceNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// validServiceName rejects anything that could not be a configured service
// before it reaches the registry or a log line.
func validServiceName(s string) bool { return serviceNameRe.MatchString(s) }

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, code int, err error) {
	writeJSON(c, code, errorResp{Error: err.Error()})
}
