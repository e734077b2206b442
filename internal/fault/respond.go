package fault

import (
	"github.com/gin-gonic/gin"

	"github.com/yaqeenpay/ledger/internal/logging"
)

// Respond writes err as a JSON error body. Classified errors expose their
// message; anything else is logged and reported as a generic internal error
// so storage details never reach the client.
func Respond(c *gin.Context, err error) {
	kind := KindOf(err)
	if kind == Internal {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.FullPath(),
			"error", err,
		)
		c.JSON(kind.HTTPStatus(), gin.H{
			"error":   kind.Code(),
			"message": "An unexpected error occurred",
		})
		return
	}
	c.JSON(kind.HTTPStatus(), gin.H{
		"error":   kind.Code(),
		"message": err.Error(),
	})
}

// BadRequest writes a 400 with the given message.
func BadRequest(c *gin.Context, message string) {
	c.JSON(Invalid.HTTPStatus(), gin.H{
		"error":   Invalid.Code(),
		"message": message,
	})
}
