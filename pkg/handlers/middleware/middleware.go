/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	commonerrors "github.com/opscore/rollout/pkg/errors"
	apiutils "github.com/opscore/rollout/pkg/handlers/utils"
	"github.com/opscore/rollout/pkg/trace"
)

// UserName is the context key carrying the authenticated caller.
const UserName = "userName"

// UserHeader is set by the authenticating proxy in front of the service.
const UserHeader = "X-Remote-User"

// Authorize resolves the caller identity from the auth proxy header.
func Authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.GetHeader(UserHeader)
		if user == "" {
			apiutils.AbortWithApiError(c, commonerrors.NewUnauthorized("missing user identity"))
			return
		}
		c.Set(UserName, user)
		c.Next()
	}
}

// Preprocess opens a server span per request and logs the outcome.
func Preprocess() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, span := trace.StartSpan(c.Request.Context(), "http "+c.FullPath())
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		if status >= 500 {
			klog.Warningf("%s %s -> %d in %s", c.Request.Method, c.Request.URL.Path,
				status, time.Since(start).Round(time.Millisecond))
		} else {
			klog.V(4).Infof("%s %s -> %d in %s", c.Request.Method, c.Request.URL.Path,
				status, time.Since(start).Round(time.Millisecond))
		}
	}
}
