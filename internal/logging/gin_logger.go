package logging

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// bridgePrefixes defines path prefixes that should have request ID tracking.
var bridgePrefixes = []string{
	"/mcp",
	"/rpc",
}

// sensitiveQueryKeys lists query parameters that are redacted before logging.
var sensitiveQueryKeys = []string{"code", "state", "access_token", "token", "api_key"}

// GinLogrusLogger returns a Gin middleware handler that logs HTTP requests and
// responses using logrus. It captures method, path, status code, latency, and
// client IP. Request IDs are only generated for bridge endpoints.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := MaskSensitiveQuery(c.Request.URL.RawQuery)

		// Only generate request IDs for bridge paths
		var requestID string
		if isBridgePath(path) {
			requestID = GenerateRequestID()
			SetGinRequestID(c, requestID)
			ctx := WithRequestID(c.Request.Context(), requestID)
			c.Request = c.Request.WithContext(ctx)
		}

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		} else {
			latency = latency.Truncate(time.Millisecond)
		}

		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		if requestID == "" {
			requestID = "--------"
		}
		logLine := fmt.Sprintf("%3d | %13v | %15s | %-7s \"%s\"", statusCode, latency, clientIP, method, path)
		if errorMessage != "" {
			logLine = logLine + " | " + errorMessage
		}

		entry := log.WithField("request_id", requestID)

		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(logLine)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(logLine)
		default:
			entry.Info(logLine)
		}
	}
}

// isBridgePath checks if the given path is a bridge endpoint that should have
// request ID tracking.
func isBridgePath(path string) bool {
	for _, prefix := range bridgePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// MaskSensitiveQuery redacts credential-bearing query parameters so raw query
// strings can be logged safely.
func MaskSensitiveQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}
	masked := false
	for _, key := range sensitiveQueryKeys {
		if values.Has(key) {
			values.Set(key, "REDACTED")
			masked = true
		}
	}
	if !masked {
		return rawQuery
	}
	return values.Encode()
}

// GinLogrusRecovery returns a Gin middleware handler that recovers from panics
// and logs them using logrus, returning a 500 to the client.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			// Let net/http handle ErrAbortHandler so the connection is aborted without noisy stack logs.
			panic(http.ErrAbortHandler)
		}

		log.WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("recovered from panic")

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
