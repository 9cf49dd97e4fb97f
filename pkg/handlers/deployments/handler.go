/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package deployments

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/opscore/rollout/pkg/approval"
	"github.com/opscore/rollout/pkg/bus"
	"github.com/opscore/rollout/pkg/cluster"
	dbclient "github.com/opscore/rollout/pkg/database/client"
	commonerrors "github.com/opscore/rollout/pkg/errors"
	"github.com/opscore/rollout/pkg/handlers/middleware"
	apiutils "github.com/opscore/rollout/pkg/handlers/utils"
	"github.com/opscore/rollout/pkg/orchestrator"
)

const jsonContentType = "application/json"

type handleFunc func(*gin.Context) (interface{}, error)

// handle executes the handler function and processes the response/error.
func handle(c *gin.Context, fn handleFunc) {
	response, err := fn(c)
	if err != nil {
		apiutils.AbortWithApiError(c, err)
		return
	}
	code := http.StatusOK
	if c.Writer.Status() > 0 {
		code = c.Writer.Status()
	}
	switch responseType := response.(type) {
	case []byte:
		c.Data(code, jsonContentType, responseType)
	case string:
		c.Data(code, jsonContentType, []byte(responseType))
	default:
		c.JSON(code, responseType)
	}
}

type Handler struct {
	service    *orchestrator.Service
	approvals  *approval.Service
	messageBus *bus.Bus
	dbClient   dbclient.ClusterInterface
}

func NewHandler(service *orchestrator.Service, approvals *approval.Service,
	messageBus *bus.Bus, dbClient dbclient.ClusterInterface) *Handler {
	return &Handler{
		service:    service,
		approvals:  approvals,
		messageBus: messageBus,
		dbClient:   dbClient,
	}
}

// CreateDeployment handles creation of a new deployment execution.
func (h *Handler) CreateDeployment(c *gin.Context) {
	handle(c, h.createDeployment)
}

// ListDeployments lists executions.
func (h *Handler) ListDeployments(c *gin.Context) {
	handle(c, h.listDeployments)
}

// GetDeployment gets execution details.
func (h *Handler) GetDeployment(c *gin.Context) {
	handle(c, h.getDeployment)
}

// CancelDeployment cancels an execution that has not started deploying.
func (h *Handler) CancelDeployment(c *gin.Context) {
	handle(c, h.cancelDeployment)
}

// RollbackDeployment starts a new execution restoring the previous versions.
func (h *Handler) RollbackDeployment(c *gin.Context) {
	handle(c, h.rollbackDeployment)
}

// ApproveDeployment records an approval decision.
func (h *Handler) ApproveDeployment(c *gin.Context) {
	handle(c, h.approveDeployment)
}

// RejectDeployment records a rejection decision.
func (h *Handler) RejectDeployment(c *gin.Context) {
	handle(c, h.rejectDeployment)
}

// ListDeadLetters lists dead-lettered messages of a topic.
func (h *Handler) ListDeadLetters(c *gin.Context) {
	handle(c, h.listDeadLetters)
}

// ListNodes lists the registered nodes of an environment.
func (h *Handler) ListNodes(c *gin.Context) {
	handle(c, h.listNodes)
}

func (h *Handler) createDeployment(c *gin.Context) (interface{}, error) {
	var req CreateDeploymentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	username := c.GetString(middleware.UserName)

	execution, err := h.service.CreateDeployment(c.Request.Context(), req.toServiceRequest(username))
	if err != nil {
		return nil, err
	}
	c.Status(http.StatusCreated)
	return CreateDeploymentResp{DeploymentItem: *cvtExecutionToItem(execution)}, nil
}

func (h *Handler) listDeployments(c *gin.Context) (interface{}, error) {
	filter := &orchestrator.ListFilter{
		ModuleName:  c.Query("moduleName"),
		Environment: c.Query("environment"),
		Status:      c.Query("status"),
	}
	if p := c.Query("page"); p != "" {
		if val, err := strconv.Atoi(p); err == nil {
			filter.Page = val
		}
	}
	if ps := c.Query("pageSize"); ps != "" {
		if val, err := strconv.Atoi(ps); err == nil {
			filter.PageSize = val
		}
	}

	list, total, err := h.service.ListDeployments(c.Request.Context(), filter)
	if err != nil {
		return nil, err
	}
	resp := ListDeploymentsResp{
		TotalCount: total,
		Items:      make([]*DeploymentItem, 0, len(list)),
	}
	for _, item := range list {
		resp.Items = append(resp.Items, cvtExecutionToItem(item))
	}
	return resp, nil
}

func (h *Handler) getDeployment(c *gin.Context) (interface{}, error) {
	detail, err := h.service.GetDeployment(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	resp := GetDeploymentResp{
		DeploymentItem: *cvtExecutionToItem(detail.Execution),
		Stages:         make([]*StageItem, 0, len(detail.Stages)),
		NodeResults:    make([]*NodeResultItem, 0, len(detail.NodeResults)),
	}
	for _, stage := range detail.Stages {
		resp.Stages = append(resp.Stages, cvtStageToItem(stage))
	}
	for _, result := range detail.NodeResults {
		resp.NodeResults = append(resp.NodeResults, cvtNodeResultToItem(result))
	}
	if req, aErr := h.approvals.GetByExecution(c.Request.Context(), detail.Execution.ExecutionId); aErr == nil {
		resp.Approval = cvtApprovalToItem(req)
	}
	return resp, nil
}

func (h *Handler) cancelDeployment(c *gin.Context) (interface{}, error) {
	var body CancelReq
	_ = c.ShouldBindJSON(&body)

	username := c.GetString(middleware.UserName)
	execution, err := h.service.CancelDeployment(c.Request.Context(), c.Param("id"), username, body.Reason)
	if err != nil {
		return nil, err
	}
	return cvtExecutionToItem(execution), nil
}

func (h *Handler) rollbackDeployment(c *gin.Context) (interface{}, error) {
	username := c.GetString(middleware.UserName)
	execution, err := h.service.RollbackDeployment(c.Request.Context(), c.Param("id"), username)
	if err != nil {
		return nil, err
	}
	c.Status(http.StatusCreated)
	return CreateDeploymentResp{DeploymentItem: *cvtExecutionToItem(execution)}, nil
}

func (h *Handler) approveDeployment(c *gin.Context) (interface{}, error) {
	return h.decideDeployment(c, dbclient.ApprovalApproved)
}

func (h *Handler) rejectDeployment(c *gin.Context) (interface{}, error) {
	return h.decideDeployment(c, dbclient.ApprovalRejected)
}

func (h *Handler) decideDeployment(c *gin.Context, decision string) (interface{}, error) {
	var body DecisionReq
	_ = c.ShouldBindJSON(&body)

	req, err := h.approvals.GetByExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	username := c.GetString(middleware.UserName)
	if decision == dbclient.ApprovalApproved {
		req, err = h.approvals.Approve(c.Request.Context(), req.ApprovalId, username, body.Reason)
	} else {
		req, err = h.approvals.Reject(c.Request.Context(), req.ApprovalId, username, body.Reason)
	}
	if err != nil {
		return nil, err
	}
	return cvtApprovalToItem(req), nil
}

func (h *Handler) listDeadLetters(c *gin.Context) (interface{}, error) {
	limit := 50
	offset := 0
	if l := c.Query("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	if o := c.Query("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil {
			offset = val
		}
	}
	list, err := h.messageBus.DeadLetters(c.Request.Context(), c.Param("topic"), limit, offset)
	if err != nil {
		return nil, err
	}
	resp := ListDeadLettersResp{Items: make([]*DeadLetterItem, 0, len(list))}
	for _, message := range list {
		resp.Items = append(resp.Items, cvtMessageToDeadLetterItem(message))
	}
	return resp, nil
}

func (h *Handler) listNodes(c *gin.Context) (interface{}, error) {
	env, err := cluster.ParseEnvironment(c.Query("environment"))
	if err != nil {
		return nil, err
	}
	nodes, err := h.dbClient.ListClusterNodes(c.Request.Context(), string(env))
	if err != nil {
		return nil, err
	}
	resp := ListNodesResp{Items: make([]*NodeItem, 0, len(nodes))}
	for _, node := range nodes {
		resp.Items = append(resp.Items, cvtNodeToItem(node))
	}
	if pool, pErr := h.dbClient.GetActivePool(c.Request.Context(), string(env)); pErr == nil {
		resp.ActivePool = pool
	}
	return resp, nil
}
