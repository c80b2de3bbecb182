package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional management API handler functions that are
// registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the full request handler: routes wrapped in the middleware
// chain. Pass nil for mgmt to serve the proxy routes only.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		securityHeaders,
	)
}

// Start serves HTTP on addr (e.g. ":8080") and shuts the server down when the
// gateway's base context is cancelled.
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	go func() {
		<-g.baseCtx.Done()
		_ = srv.Shutdown()
	}()
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(map[string]string{
		"status":  "healthy",
		"version": g.version,
	})
	ctx.SetBody(data)
}
