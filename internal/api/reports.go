package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"stallpos/internal/aggregate"
)

// reportDay parses ?day=YYYY-MM-DD in UTC, defaulting to today.
func (s *Server) reportDay(c *gin.Context) (time.Time, bool) {
	raw := c.Query("day")
	if raw == "" {
		return s.now().UTC(), true
	}
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "day must be YYYY-MM-DD"})
		return time.Time{}, false
	}
	return d, true
}

func (s *Server) visitorReport(c *gin.Context) {
	minutes := aggregate.DefaultBucketMinutes
	if raw := c.Query("bucket"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 24*60 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bucket must be a positive number of minutes"})
			return
		}
		minutes = n
	}
	day, ok := s.reportDay(c)
	if !ok {
		return
	}
	rep, err := s.eng.VisitorReport(c.Request.Context(), day, minutes, c.Query("group"))
	if err != nil {
		s.fail(c, "visitorReport", nil, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) menuSalesReport(c *gin.Context) {
	day, ok := s.reportDay(c)
	if !ok {
		return
	}
	rep, err := s.eng.MenuSalesReport(c.Request.Context(), day, time.Hour)
	if err != nil {
		s.fail(c, "menuSalesReport", nil, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}
