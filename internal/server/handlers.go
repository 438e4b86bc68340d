package server

import (
	_ "embed"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/userscript-bridge/internal/bridge"
)

//go:embed scripts/transport.js
var transportScript string

// health reports bridge and network state.
func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":         "healthy",
		"channel":        s.bridge.Channel(),
		"capabilities":   s.bridge.Registry.Names(),
		"inflight_calls": s.bridge.Dispatcher.Inflight(),
		"connections":    s.Connections(),
	}
	if s.adapter != nil {
		body["pending_tasks"] = s.adapter.Pending()
	}
	c.JSON(http.StatusOK, body)
}

// bridgeScript serves the websocket transport followed by the bridge client
// and capability shim, for pages that are not hosted in a content view.
func (s *Server) bridgeScript(c *gin.Context) {
	scheme := "ws"
	if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	endpoint := scheme + "://" + c.Request.Host + "/ws"

	channel := s.bridge.Channel()
	transport := strings.NewReplacer(
		"__CHANNEL__", strconv.Quote(channel),
		"__ENDPOINT__", strconv.Quote(endpoint),
	).Replace(transportScript)

	script := strings.Join([]string{
		transport,
		bridge.ClientScript(channel),
		bridge.ShimScript(),
	}, "\n")

	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(script))
}
