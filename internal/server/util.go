package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fleetd/internal/api"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, code int, errCode, msg string) {
	writeJSON(c, code, api.ErrorResponse{Error: msg, Code: errCode})
}

// bind decodes the JSON body into v and answers 400 on failure.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, api.CodeBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func bindLease(c *gin.Context, req *api.LeaseRequest) bool {
	if !bind(c, req) {
		return false
	}
	if req.Name == "" || req.Hostname == "" {
		writeError(c, http.StatusBadRequest, api.CodeBadRequest, "name and hostname required")
		return false
	}
	return true
}
