// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the node service.
//
// The node's transport surface is deliberately thin: body-size limits
// keep oversized scripts and uploads from reaching the core, and the
// upload rate limiter protects the disk from submission storms.
// Authentication is out of scope here; deployments front the node with
// their institution's gateway.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// BodySizeLimit rejects request bodies larger than maxBytes. The limit
// is enforced by wrapping the body reader, so chunked uploads without a
// Content-Length header are still capped.
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge,
				gin.H{"error": "request body too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// UploadRateLimit throttles upload endpoints with a shared token
// bucket. Over-limit requests get 429 rather than queueing, so clients
// back off instead of piling up multipart bodies.
func UploadRateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				gin.H{"error": "upload rate limit exceeded"})
			return
		}
		c.Next()
	}
}
