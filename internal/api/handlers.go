package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/frappe-community/AssistantBridge/internal/buildinfo"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// protocolVersion is the MCP protocol revision answered during the local
// initialize handshake.
const protocolVersion = "2025-06-18"

const serverName = "frappe-assistant-bridge"

// localMethods are answered without contacting the site. The downstream
// client handshakes with the bridge; everything else is the site's business.
var localMethods = map[string]bool{
	"initialize": true,
	"ping":       true,
}

func (s *Server) handleHealthz(c *gin.Context) {
	s.cfgMu.RLock()
	site := s.cfg.SiteURL
	s.cfgMu.RUnlock()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"site":    site,
		"version": buildinfo.Version,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int64(time.Since(s.stats.started).Seconds()),
		"requests":       s.stats.requests,
		"local_handled":  s.stats.localHandled,
		"forwarded":      s.stats.forwarded,
		"failures":       s.stats.failures,
	})
}

func (s *Server) handleMCP(c *gin.Context) {
	s.countRequest()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.countFailure()
		c.JSON(http.StatusBadRequest, rpcErrorEnvelope(nil, -32700, "failed to read request body"))
		return
	}
	if !gjson.ValidBytes(body) {
		s.countFailure()
		c.JSON(http.StatusBadRequest, rpcErrorEnvelope(nil, -32700, "invalid JSON payload"))
		return
	}

	parsed := gjson.ParseBytes(body)
	method := parsed.Get("method").String()
	id := parsed.Get("id")

	if strings.HasPrefix(method, "notifications/") {
		s.countLocal()
		c.Status(http.StatusAccepted)
		return
	}

	if localMethods[method] {
		s.countLocal()
		s.handleLocalMethod(c, method, id)
		return
	}

	result, err := s.client.Forward(c.Request.Context(), body)
	if err != nil {
		s.countFailure()
		log.Errorf("forwarding %s failed: %v", method, err)
		c.JSON(http.StatusOK, rpcErrorEnvelope(&id, -32000, err.Error()))
		return
	}

	s.countForwarded()
	c.Data(http.StatusOK, "application/json", result)
}

// handleLocalMethod answers session-level methods on behalf of the site.
func (s *Server) handleLocalMethod(c *gin.Context, method string, id gjson.Result) {
	envelope := `{"jsonrpc":"2.0","id":null,"result":{}}`
	envelope, _ = sjson.SetRaw(envelope, "id", rawID(id))

	switch method {
	case "initialize":
		envelope, _ = sjson.Set(envelope, "result.protocolVersion", protocolVersion)
		envelope, _ = sjson.SetRaw(envelope, "result.capabilities", `{"tools":{"listChanged":false}}`)
		envelope, _ = sjson.Set(envelope, "result.serverInfo.name", serverName)
		envelope, _ = sjson.Set(envelope, "result.serverInfo.version", buildinfo.Version)
	case "ping":
		// An empty result object is the whole answer.
	}

	c.Data(http.StatusOK, "application/json", []byte(envelope))
}

// rawID preserves the caller's id exactly, whatever JSON type it used.
func rawID(id gjson.Result) string {
	if !id.Exists() {
		return "null"
	}
	return id.Raw
}

func rpcErrorEnvelope(id *gjson.Result, code int, message string) gin.H {
	var idValue any
	if id != nil && id.Exists() {
		idValue = id.Value()
	}
	return gin.H{
		"jsonrpc": "2.0",
		"id":      idValue,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func (s *Server) countRequest() {
	s.stats.mu.Lock()
	s.stats.requests++
	s.stats.mu.Unlock()
}

func (s *Server) countLocal() {
	s.stats.mu.Lock()
	s.stats.localHandled++
	s.stats.mu.Unlock()
}

func (s *Server) countForwarded() {
	s.stats.mu.Lock()
	s.stats.forwarded++
	s.stats.mu.Unlock()
}

func (s *Server) countFailure() {
	s.stats.mu.Lock()
	s.stats.failures++
	s.stats.mu.Unlock()
}
