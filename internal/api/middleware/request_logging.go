package middleware

import (
	"bytes"
	"io"
	"time"

	"github.com/frappe-community/AssistantBridge/internal/logging"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// maxCapturedBodyBytes bounds per-request body capture so a large payload
// cannot balloon memory.
const maxCapturedBodyBytes int64 = 1 << 20

// bodyCapturingWriter tees the response body into a buffer while writing it
// to the client.
type bodyCapturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyCapturingWriter) Write(data []byte) (int, error) {
	if int64(w.body.Len()) < maxCapturedBodyBytes {
		w.body.Write(data)
	}
	return w.ResponseWriter.Write(data)
}

// RequestBodyLogging logs request and response bodies at debug level.
// Query strings are masked so authorization codes and tokens never reach the
// log output. Enabled via the request-log config switch.
func RequestBodyLogging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var requestBody []byte
		if c.Request.Body != nil {
			requestBody, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxCapturedBodyBytes))
			c.Request.Body = io.NopCloser(bytes.NewReader(requestBody))
		}

		writer := &bodyCapturingWriter{ResponseWriter: c.Writer}
		c.Writer = writer

		c.Next()

		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"query":   logging.MaskSensitiveQuery(c.Request.URL.RawQuery),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debugf("request body: %s; response body: %s",
			truncateForLog(requestBody), truncateForLog(writer.body.Bytes()))
	}
}

func truncateForLog(body []byte) string {
	const limit = 2048
	if len(body) > limit {
		return string(body[:limit]) + "...(truncated)"
	}
	return string(body)
}
