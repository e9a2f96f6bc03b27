package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/harvest/internal/api/middleware"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/logger"
)

// envelope is the action API response body.
type envelope struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   gin.H       `json:"error,omitempty"`
}

func ok(c *gin.Context, result interface{}) {
	c.JSON(http.StatusOK, envelope{Success: true, Result: result})
}

// fail maps an action error onto a status code and error body.
func fail(c *gin.Context, err error) {
	var verr *errors.ValidationError
	switch {
	case errors.As(err, &verr):
		body := gin.H{"__type": "Validation Error"}
		for field, msg := range verr.Summary() {
			body[field] = []string{msg}
		}
		c.JSON(http.StatusConflict, envelope{Error: body})
	case errors.Is(err, errors.ErrValidation):
		c.JSON(http.StatusConflict, envelope{Error: gin.H{"__type": "Validation Error", "message": err.Error()}})
	case errors.Is(err, errors.ErrNotFound):
		c.JSON(http.StatusNotFound, envelope{Error: gin.H{"__type": "Not Found Error", "message": err.Error()}})
	case errors.Is(err, errors.ErrAlreadyExists):
		c.JSON(http.StatusConflict, envelope{Error: gin.H{"__type": "Already Exists Error", "message": err.Error()}})
	case errors.Is(err, errors.ErrInvalidState):
		c.JSON(http.StatusConflict, envelope{Error: gin.H{"__type": "Invalid State Error", "message": err.Error()}})
	default:
		middleware.GetLogger(c).WithError(err).Error("Action failed")
		c.JSON(http.StatusInternalServerError, envelope{Error: gin.H{
			"__type":     "Internal Error",
			"message":    "Internal server error",
			"request_id": logger.GetFieldString(c.Request.Context(), logger.FieldRequestID),
		}})
	}
}

// bind decodes an optional JSON body into req. An empty body leaves req
// at its zero value.
func bind(c *gin.Context, req interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Error: gin.H{"__type": "Bad Request", "message": err.Error()}})
		return false
	}
	return true
}
