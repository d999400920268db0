// Package api is the register UI's HTTP surface. Every write answers from
// the local store; sync outcomes never change a response.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stallpos/internal/config"
	"stallpos/internal/metrics"
	"stallpos/internal/model"
	"stallpos/internal/reconcile"
	"stallpos/internal/recorder"
	"stallpos/internal/scheduler"
)

type Deps struct {
	Recorder    *recorder.Recorder
	Engine      *reconcile.Engine
	Coordinator *scheduler.Coordinator
	Metrics     *metrics.Registry
	Logger      *logrus.Logger
	Now         func() time.Time
	// CORSOrigins restricts browser origins. Empty allows all.
	CORSOrigins []string
}

type Server struct {
	rec     *recorder.Recorder
	eng     *reconcile.Engine
	coord   *scheduler.Coordinator
	metrics *metrics.Registry
	log     *logrus.Logger
	now     func() time.Time
	origins []string
}

func New(d Deps) *Server {
	s := &Server{rec: d.Recorder, eng: d.Engine, coord: d.Coordinator, metrics: d.Metrics, log: d.Logger, now: d.Now, origins: d.CORSOrigins}
	if s.log == nil {
		s.log = logrus.New()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(cors.New(s.corsConfig()))
	r.Use(correlationID())
	r.Use(requestLogger(s.log))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	r.POST("/sales", s.recordSale)
	r.POST("/sales/:id/cancel", s.cancelSale)
	r.POST("/visitors", s.recordVisitors)
	r.POST("/expenses", s.recordExpense)
	r.GET("/menus", s.menus)

	r.POST("/sync", s.syncNow)
	r.POST("/lifecycle/foreground", s.foreground)
	r.POST("/connectivity", s.connectivity)
	r.GET("/status", s.status)

	r.GET("/reports/visitors", s.visitorReport)
	r.GET("/reports/menu-sales", s.menuSalesReport)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	if len(s.origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.origins
	}
	cfg.AddAllowHeaders("x-correlation-id")
	cfg.AddExposeHeaders("x-correlation-id")
	return cfg
}

func correlationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Set("correlation_id", cid)
		c.Header("x-correlation-id", cid)
		c.Next()
	}
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        time.Since(start).String(),
			"correlation_id": c.GetString("correlation_id"),
		}).Debug("request")
	}
}

// fail maps recorder errors onto status codes. Anything unrecognised is a
// local write failure and is logged.
func (s *Server) fail(c *gin.Context, funcName string, data any, err error) {
	switch {
	case errors.Is(err, recorder.ErrInvalid):
		body := gin.H{"error": err.Error()}
		if fields := recorder.ValidationFields(err); len(fields) > 0 {
			body["fields"] = fields
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, recorder.ErrUnknownMenu),
		errors.Is(err, recorder.ErrInsufficientStock),
		errors.Is(err, recorder.ErrAlreadySynced):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, recorder.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		config.LogError(s.log, "api", funcName, "local write", data, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) recordSale(c *gin.Context) {
	var in recorder.SaleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	tx, err := s.rec.RecordSale(c.Request.Context(), in)
	if err != nil {
		s.fail(c, "recordSale", in, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

func (s *Server) cancelSale(c *gin.Context) {
	id := c.Param("id")
	tx, err := s.rec.CancelSale(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "cancelSale", gin.H{"id": id}, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) recordVisitors(c *gin.Context) {
	var in recorder.VisitorInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	vc, err := s.rec.RecordVisitors(c.Request.Context(), in)
	if err != nil {
		s.fail(c, "recordVisitors", in, err)
		return
	}
	c.JSON(http.StatusCreated, vc)
}

func (s *Server) recordExpense(c *gin.Context) {
	var in recorder.ExpenseInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	ex, err := s.rec.RecordExpense(c.Request.Context(), in)
	if err != nil {
		s.fail(c, "recordExpense", in, err)
		return
	}
	c.JSON(http.StatusCreated, ex)
}

func (s *Server) menus(c *gin.Context) {
	menus, err := s.rec.Menus()
	if err != nil {
		s.fail(c, "menus", nil, err)
		return
	}
	cats, err := s.rec.Categories()
	if err != nil {
		s.fail(c, "menus", nil, err)
		return
	}
	if menus == nil {
		menus = []model.Menu{}
	}
	if cats == nil {
		cats = []model.Category{}
	}
	c.JSON(http.StatusOK, gin.H{"menus": menus, "categories": cats})
}

type resultView struct {
	reconcile.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) syncNow(c *gin.Context) {
	results := s.eng.SyncNow(c.Request.Context())
	out := make([]resultView, len(results))
	for i, r := range results {
		out[i] = resultView{Result: r}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	c.JSON(http.StatusOK, gin.H{"available": s.eng.Available(), "results": out})
}

func (s *Server) foreground(c *gin.Context) {
	if s.coord != nil {
		s.coord.Foreground()
	}
	c.Status(http.StatusAccepted)
}

type connectivityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

func (s *Server) connectivity(c *gin.Context) {
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "online is required"})
		return
	}
	edge := false
	if s.coord != nil {
		edge = s.coord.Connectivity(*req.Online)
	}
	c.JSON(http.StatusAccepted, gin.H{"online": *req.Online, "triggered": edge})
}

type kindStatus struct {
	Unsynced  int             `json:"unsynced"`
	LastSync  *time.Time      `json:"lastSync,omitempty"`
	Scheduler scheduler.State `json:"scheduler"`
}

func (s *Server) status(c *gin.Context) {
	var states map[string]scheduler.State
	if s.coord != nil {
		states = s.coord.States()
	}
	kinds := make(map[model.Kind]kindStatus, len(model.Kinds()))
	for _, k := range model.Kinds() {
		n, err := s.eng.Unsynced(k)
		if err != nil {
			s.fail(c, "status", gin.H{"kind": k}, err)
			return
		}
		ks := kindStatus{Unsynced: n, Scheduler: states[string(k)]}
		if cur, err := s.eng.Cursor(k); err == nil && !cur.IsZero() {
			ks.LastSync = &cur
		}
		kinds[k] = ks
	}
	c.JSON(http.StatusOK, gin.H{
		"branchId":  s.rec.BranchID(),
		"available": s.eng.Available(),
		"kinds":     kinds,
	})
}
