package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Handler builds the routed, middleware-wrapped request handler. metricsHandler
// is optional; pass nil to run without the /metrics endpoint.
func (g *Gateway) Handler(metricsHandler fasthttp.RequestHandler) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/responses", g.handleResponses)
	r.POST("/v1/messages", g.handleMessages)
	r.GET("/models", g.handleModels)
	r.GET("/v1/models", g.handleModels)
	r.GET("/context/{session_id}", g.handleContext)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if metricsHandler != nil {
		r.GET("/metrics", metricsHandler)
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Server returns a configured fasthttp server for the gateway. Write timeout
// is generous because SSE responses hold the connection open.
func (g *Gateway) Server(metricsHandler fasthttp.RequestHandler) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            g.Handler(metricsHandler),
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Minute,
		MaxRequestBodySize: 32 << 20,
	}
}

// Start runs the HTTP server on addr (e.g. ":8080"), blocking until it stops.
func (g *Gateway) Start(addr string, metricsHandler fasthttp.RequestHandler) error {
	return g.Server(metricsHandler).ListenAndServe(addr)
}
