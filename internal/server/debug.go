package server

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tunctl/internal/device"
	"tunctl/internal/observability"
)

// Debug serves health, readiness and metrics over local HTTP. It is read
// only; all mutation goes through the control socket.
type Debug struct {
	reg     *device.Registry
	router  *gin.Engine
	started time.Time
}

func NewDebug(reg *device.Registry, log zerolog.Logger) *Debug {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log))
	r.Use(observability.RequestMetricsMiddleware())
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	d := &Debug{reg: reg, router: r, started: time.Now()}
	d.registerRoutes()
	return d
}

func (d *Debug) Router() *gin.Engine {
	return d.router
}

func (d *Debug) Run(addr string) error {
	return d.router.Run(addr)
}

func (d *Debug) registerRoutes() {
	d.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(d.started).String(),
		})
	})

	d.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"uptime": time.Since(d.started).String(),
		})
	})

	d.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	d.router.GET("/devices", func(c *gin.Context) {
		devices := d.reg.Devices()
		out := make([]gin.H, 0, len(devices))
		for _, dev := range devices {
			entry := gin.H{
				"ifindex":     dev.Index(),
				"ifname":      dev.Name(),
				"listen_port": dev.ListenPort(),
				"fwmark":      dev.Fwmark(),
				"peers":       dev.PeerCount(),
				"generation":  dev.Generation(),
				"running":     dev.Running(),
			}
			if pub, ok := dev.Identity().PublicKey(); ok {
				entry["public_key"] = base64.StdEncoding.EncodeToString(pub[:])
			}
			out = append(out, entry)
		}
		c.JSON(http.StatusOK, gin.H{"devices": out})
	})
}
