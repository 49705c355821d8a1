package admin

import (
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
)

// PprofConfig exposes net/http/pprof under /debug/pprof behind the admin
// token. Rates of 0 keep the Go defaults.
type PprofConfig struct {
	Enabled              bool
	MutexProfileFraction int
	BlockProfileRate     int
}

func applyRuntimeRates(cfg PprofConfig) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// mountPprof uses one catch-all route; pprof.Index serves named profiles
// (heap, goroutine, ...) itself.
func mountPprof(g *gin.RouterGroup, cfg PprofConfig) {
	applyRuntimeRates(cfg)
	handler := func(c *gin.Context) {
		var h http.HandlerFunc
		switch strings.Trim(c.Param("name"), "/") {
		case "cmdline":
			h = hpprof.Cmdline
		case "profile":
			h = hpprof.Profile
		case "symbol":
			h = hpprof.Symbol
		case "trace":
			h = hpprof.Trace
		default:
			h = hpprof.Index
		}
		h(c.Writer, c.Request)
	}
	g.GET("/*name", handler)
	g.POST("/*name", handler)
}
