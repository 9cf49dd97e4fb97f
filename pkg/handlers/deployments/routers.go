/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package deployments

import (
	"github.com/gin-gonic/gin"

	"github.com/opscore/rollout/pkg/handlers/middleware"
)

// InitDeploymentRouters initializes routes.
func InitDeploymentRouters(e *gin.Engine, h *Handler) {
	group := e.Group("/api/v1", middleware.Authorize(), middleware.Preprocess())
	{
		group.POST("/deployments", h.CreateDeployment)
		group.GET("/deployments", h.ListDeployments)
		group.GET("/deployments/:id", h.GetDeployment)
		group.POST("/deployments/:id/cancel", h.CancelDeployment)
		group.POST("/deployments/:id/rollback", h.RollbackDeployment)
		group.POST("/deployments/:id/approve", h.ApproveDeployment)
		group.POST("/deployments/:id/reject", h.RejectDeployment)

		group.GET("/topics/:topic/dead-letters", h.ListDeadLetters)
		group.GET("/nodes", h.ListNodes)
	}
}
