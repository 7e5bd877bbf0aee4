package handlers

import (
	"net/http"

	"github.com/avatarforge/api/internal/middleware"
	"github.com/avatarforge/api/internal/models"
	"github.com/avatarforge/api/internal/pipeline"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ImageHandler serves single-image generation
type ImageHandler struct {
	coord  *pipeline.Coordinator
	logger *zap.Logger
}

// NewImageHandler creates an ImageHandler
func NewImageHandler(coord *pipeline.Coordinator, logger *zap.Logger) *ImageHandler {
	return &ImageHandler{coord: coord, logger: logger}
}

// SendImageRequest is the body of POST /images/send
type SendImageRequest struct {
	RecipientID    string `json:"recipientId" binding:"required"`
	Prompt         string `json:"prompt" binding:"required"`
	SourceImageRef string `json:"sourceImageRef"`
}

// SendImage generates one image for a recipient
func (h *ImageHandler) SendImage(c *gin.Context) {
	var body SendImageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}
	middleware.SetRunContext(c, "", body.RecipientID)

	result, err := h.coord.SendImage(c.Request.Context(), models.SendImageRequest{
		RecipientID:    body.RecipientID,
		Prompt:         body.Prompt,
		SourceImageRef: body.SourceImageRef,
	})
	if err != nil {
		respondPipelineError(c, h.logger, err)
		return
	}
	middleware.SetRunContext(c, result.RunID.String(), "")

	c.JSON(http.StatusOK, gin.H{
		"runId":            result.RunID,
		"imageUrl":         result.ImageURL,
		"imagePath":        result.ImagePath,
		"styleDescription": result.StyleDescription,
		"model":            result.ModelID,
	})
}
