package router

import (
	"net/http"
	"time"

	"custodex.com/apps/custody/internal/core/handler"
	"custodex.com/apps/custody/internal/domain"
	"custodex.com/pkg/middleware"
	"custodex.com/pkg/ratelimit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Deps struct {
	Service    string
	Runner     handler.Runner
	Holds      domain.HoldRepo
	Limiter    *ratelimit.Store // nil 不限流
	AdminToken string
}

// New 组装路由，/metrics 由 ginprom 注册
func New(d Deps) *gin.Engine {
	r := gin.New()
	p := ginprom.NewPrometheus(d.Service)
	p.Use(r)

	r.Use(
		otelgin.Middleware(d.Service),
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
	)
	if d.Limiter != nil {
		r.Use(middleware.RateLimit(d.Limiter))
	}

	trigger := handler.NewTrigger(d.Runner)
	deposits := handler.NewDepositHandler(d.Holds)

	r.GET("/healthz", handler.Healthz)
	r.GET("/fetch", trigger.Fetch)
	r.GET("/confirm", trigger.Confirm)
	r.GET("/send", trigger.Send)
	r.GET("/status", trigger.Status)
	r.GET("/deposits/held", deposits.ListHeld)

	admin := r.Group("/admin", middleware.AdminToken(d.AdminToken))
	{
		admin.POST("/deposits/:chain_id/:tx_hash/confirm", deposits.ForceConfirm)
	}
	return r
}

// NewServer /confirm 串行跑确认和归集两个 stage，写超时按两倍 stage 超时留余量
func NewServer(addr string, h http.Handler, stageTimeout time.Duration) *http.Server {
	writeTimeout := 10 * time.Second
	if budget := 2*stageTimeout + 30*time.Second; budget > writeTimeout {
		writeTimeout = budget
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      writeTimeout,
		MaxHeaderBytes:    1 << 20,
	}
}
