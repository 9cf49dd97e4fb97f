/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package errors

import (
	"fmt"
	"net/http"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const RolloutPrefix = "Rollout."

/*
   5-digit Error Code Convention: [xx][yyy]
   [xx] Business ID (00–99), used to distinguish errors from different business interfaces.
   00: General errors
   01: Deployment-related errors
   02: Node-related errors
   03: Approval-related errors
   04: Bus-related errors
   [yyy] Error code range (000–999)
*/

// public: 00xxx
const (
	InternalError  = RolloutPrefix + "00001"
	BadRequest     = RolloutPrefix + "00002"
	Forbidden      = RolloutPrefix + "00003"
	AlreadyExist   = RolloutPrefix + "00004"
	NotFound       = RolloutPrefix + "00005"
	Unauthorized   = RolloutPrefix + "00006"
	Conflict       = RolloutPrefix + "00007"
	Timeout        = RolloutPrefix + "00008"
	Infrastructure = RolloutPrefix + "00009"
)

// deployment: 01xxx
const (
	VerificationFailed = RolloutPrefix + "01001"
	PolicyViolation    = RolloutPrefix + "01002"
	ExecutionNotFound  = RolloutPrefix + "01003"
	ExecutionTerminal  = RolloutPrefix + "01004"
	ExecutionCancelled = RolloutPrefix + "01005"
)

// node: 02xxx
const (
	NodeTransient = RolloutPrefix + "02001"
	NodePermanent = RolloutPrefix + "02002"
	NodeNotFound  = RolloutPrefix + "02003"
)

// approval: 03xxx
const (
	ApprovalNotFound = RolloutPrefix + "03001"
	ApprovalTerminal = RolloutPrefix + "03002"
)

// bus: 04xxx
const (
	SchemaIncompatible = RolloutPrefix + "04001"
	TopicNotFound      = RolloutPrefix + "04002"
)

// IsRollout returns true if the specified error reason is a rollout error.
func IsRollout(err error) bool {
	if err == nil {
		return false
	}
	return strings.HasPrefix(string(apierrors.ReasonForError(err)), RolloutPrefix)
}

func IsConflict(err error) bool {
	reason := apierrors.ReasonForError(err)
	return reason == Conflict || reason == AlreadyExist
}

func IsBadRequest(err error) bool {
	return apierrors.ReasonForError(err) == BadRequest
}

func IsInternal(err error) bool {
	return apierrors.ReasonForError(err) == InternalError
}

func IsNotFound(err error) bool {
	reason := apierrors.ReasonForError(err)
	if reason == NotFound || reason == ExecutionNotFound || reason == NodeNotFound ||
		reason == ApprovalNotFound || reason == TopicNotFound {
		return true
	}
	return false
}

func IsForbidden(err error) bool {
	return apierrors.ReasonForError(err) == Forbidden
}

func IsTimeout(err error) bool {
	return apierrors.ReasonForError(err) == Timeout
}

func IsVerificationFailed(err error) bool {
	return apierrors.ReasonForError(err) == VerificationFailed
}

func IsPolicyViolation(err error) bool {
	return apierrors.ReasonForError(err) == PolicyViolation
}

func IsSchemaIncompatible(err error) bool {
	return apierrors.ReasonForError(err) == SchemaIncompatible
}

func IsExecutionTerminal(err error) bool {
	return apierrors.ReasonForError(err) == ExecutionTerminal
}

func IsCancelled(err error) bool {
	return apierrors.ReasonForError(err) == ExecutionCancelled
}

func IsApprovalTerminal(err error) bool {
	return apierrors.ReasonForError(err) == ApprovalTerminal
}

func IsNodeTransient(err error) bool {
	return apierrors.ReasonForError(err) == NodeTransient
}

func IsNodePermanent(err error) bool {
	return apierrors.ReasonForError(err) == NodePermanent
}

// IsRetryable reports whether the operation that produced the error may be retried.
// Transient node faults and infrastructure faults are retryable; everything else fails closed.
func IsRetryable(err error) bool {
	reason := apierrors.ReasonForError(err)
	return reason == NodeTransient || reason == Infrastructure || reason == Timeout
}

func IgnoreFound(err error) error {
	if err == nil || IsNotFound(err) {
		return nil
	}
	return err
}

func GetErrorCode(err error) string {
	if err == nil || !IsRollout(err) {
		return ""
	}
	return string(apierrors.ReasonForError(err))
}

func NewBadRequest(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusBadRequest,
		Reason:  BadRequest,
		Message: fmt.Sprintf("Bad request. %s", message),
	}}
}

func NewInternalError(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusInternalServerError,
		Reason:  InternalError,
		Message: fmt.Sprintf("Internal error. %s", message),
	}}
}

func NewAlreadyExist(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusConflict,
		Reason:  AlreadyExist,
		Message: message,
	}}
}

func NewConflict(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusConflict,
		Reason:  Conflict,
		Message: message,
	}}
}

func NewForbidden(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusForbidden,
		Reason:  Forbidden,
		Message: message,
	}}
}

func NewUnauthorized(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusUnauthorized,
		Reason:  Unauthorized,
		Message: message,
	}}
}

func NewTimeout(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusGatewayTimeout,
		Reason:  Timeout,
		Message: message,
	}}
}

func NewInfrastructure(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusServiceUnavailable,
		Reason:  Infrastructure,
		Message: message,
	}}
}

func notFoundErrorCode(kind string) metav1.StatusReason {
	switch kind {
	case "DeploymentExecution":
		return ExecutionNotFound
	case "Node":
		return NodeNotFound
	case "ApprovalRequest":
		return ApprovalNotFound
	case "Topic":
		return TopicNotFound
	default:
		return NotFound
	}
}

func NewNotFound(kind, name string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status: metav1.StatusFailure,
		Code:   http.StatusNotFound,
		Reason: notFoundErrorCode(kind),
		Details: &metav1.StatusDetails{
			Kind: kind,
			Name: name,
		},
		Message: fmt.Sprintf("%s %s not found.", kind, name),
	}}
}

func NewNotFoundWithMessage(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusNotFound,
		Reason:  NotFound,
		Message: message,
	}}
}

func NewVerificationFailed(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusUnprocessableEntity,
		Reason:  VerificationFailed,
		Message: fmt.Sprintf("Verification failed. %s", message),
	}}
}

func NewPolicyViolation(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusConflict,
		Reason:  PolicyViolation,
		Message: fmt.Sprintf("PolicyViolation: %s", message),
	}}
}

func NewNodeTransient(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusServiceUnavailable,
		Reason:  NodeTransient,
		Message: message,
	}}
}

func NewNodePermanent(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusBadGateway,
		Reason:  NodePermanent,
		Message: message,
	}}
}

func NewExecutionTerminal(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusConflict,
		Reason:  ExecutionTerminal,
		Message: message,
	}}
}

func NewCancelled(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusConflict,
		Reason:  ExecutionCancelled,
		Message: message,
	}}
}

func NewApprovalTerminal(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusConflict,
		Reason:  ApprovalTerminal,
		Message: message,
	}}
}

func NewSchemaIncompatible(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusConflict,
		Reason:  SchemaIncompatible,
		Message: fmt.Sprintf("Schema incompatible. %s", message),
	}}
}
