package routes

import (
	"github.com/danielgtaylor/huma/v2"

	"github.com/quatton/qagent/apps/worker/services/runs"
)

func RegisterRoutes(api huma.API, runsSvc *runs.Service) {
	RegisterIndex(api)
	RegisterHealth(api)
	RegisterRuns(api, runsSvc)
}
