package api

import (
	_ "embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

// @title Gryffen API
// @version 1.0
// @description Gryffen backend service.

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8007
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the access token.

// @tag.name monitoring
// @tag.description Liveness and readiness probes

// @tag.name echo
// @tag.description Echo test endpoint

// @tag.name config
// @tag.description Operator configuration view

//go:embed openapi.json
var openAPISpec []byte

func openAPIDocument(c *gin.Context) {
	c.Data(http.StatusOK, "application/json; charset=utf-8", openAPISpec)
}
