package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/pitchlab/pitchlab/internal/utils"
)

// writeError maps an AppError onto the HTTP response. The wrapped
// cause never leaves the process; clients see the code and the safe
// message only.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var ae *utils.AppError
	if errors.As(err, &ae) {
		c.JSON(utils.HTTPStatus(err), gin.H{
			"error": gin.H{"code": ae.Code, "message": ae.Message},
		})
		return
	}
	c.JSON(utils.HTTPStatus(err), gin.H{
		"error": gin.H{"code": utils.CodeInternal, "message": "internal error"},
	})
}
