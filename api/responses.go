package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	pkgerrors "github.com/finvex/copytrade/pkg/errors"
)

// response is the envelope every endpoint returns.
type response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// pagination carries list metadata alongside the data.
type pagination struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Total  int64 `json:"total"`
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, response{Success: true, Data: data, Timestamp: time.Now().UTC()})
}

func respondCreated(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, response{Success: true, Data: data, Timestamp: time.Now().UTC()})
}

func respondList(c *gin.Context, data interface{}, p pagination) {
	c.JSON(http.StatusOK, response{
		Success:   true,
		Data:      gin.H{"items": data, "pagination": p},
		Timestamp: time.Now().UTC(),
	})
}

// respondError maps typed errors to status codes: validation and funds
// errors are client faults, not-found sentinels are 404, venue failures are
// 502 and anything else (invariant violations included) is a 500.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case pkgerrors.IsValidation(err):
		status = http.StatusBadRequest
	case pkgerrors.IsInsufficientFunds(err):
		status = http.StatusUnprocessableEntity
	case pkgerrors.IsNotFound(err):
		status = http.StatusNotFound
	case pkgerrors.IsVenue(err):
		status = http.StatusBadGateway
	}
	c.JSON(status, response{Success: false, Error: err.Error(), Timestamp: time.Now().UTC()})
}

// requireUser resolves the acting user from the X-User-ID header. Upstream
// authentication is expected to have populated it.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-User-ID")
		userID, err := uuid.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response{
				Success:   false,
				Error:     "missing or malformed X-User-ID header",
				Timestamp: time.Now().UTC(),
			})
			return
		}
		c.Set("userID", userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) uuid.UUID {
	return c.MustGet("userID").(uuid.UUID)
}

func parseIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		respondError(c, pkgerrors.NewValidation(name, "must be a valid UUID"))
		return uuid.Nil, false
	}
	return id, true
}
