package api

import (
	"strconv"

	"github.com/Aidin1998/pixelverify/api/responses"
	"github.com/Aidin1998/pixelverify/internal/reconcile"
	"github.com/Aidin1998/pixelverify/internal/sandbox"
	"github.com/Aidin1998/pixelverify/pkg/errors"
	"github.com/Aidin1998/pixelverify/pkg/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ReconciliationResponse pairs a result with the merchant advisory
type ReconciliationResponse struct {
	WindowHours int                         `json:"window_hours"`
	Result      models.ReconciliationResult `json:"result"`
	Advisory    string                      `json:"advisory"`
}

// AnnotateRequest carries verification results to annotate
type AnnotateRequest struct {
	Results []models.VerificationEventResult `json:"results" binding:"required,max=10000"`
}

// reconciliation matches recent orders against pixel receipts for the caller's shop
func (s *Server) reconciliation(c *gin.Context) {
	hours := reconcile.DefaultWindowHours
	if raw := c.Query("windowHours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			responses.BadRequest(c, "windowHours must be an integer", errors.ValidationError{
				Field:   "windowHours",
				Value:   raw,
				Message: "not an integer",
				Code:    "invalid_integer",
			})
			return
		}
		hours = n
	}
	hours = reconcile.ClampWindowHours(hours)

	shop := c.GetString(shopKey)
	result, err := s.engine.Reconcile(c.Request.Context(), shop, hours)
	if err != nil {
		s.logger.Error("reconciliation failed", zap.String("shop_id", shop), zap.Int("window_hours", hours), zap.Error(err))
		responses.ServiceUnavailable(c, "order or pixel records could not be read", 0)
		return
	}
	responses.Success(c, ReconciliationResponse{
		WindowHours: hours,
		Result:      result,
		Advisory:    reconcile.Advisory,
	}, "Reconciliation complete")
}

// annotate marks which discrepancies are limits of the sandboxed pixel environment
func (s *Server) annotate(c *gin.Context) {
	var req AnnotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.BadRequest(c, "request body must be {\"results\": [...]}")
		return
	}
	responses.Success(c, sandbox.Annotate(req.Results), "Annotation complete")
}
