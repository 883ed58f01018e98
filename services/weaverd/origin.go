// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaverd

import (
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// isLoopbackOrigin reports whether an Origin header value names a page
// served from this machine. An absent Origin (non-browser client) is
// allowed.
func isLoopbackOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// checkOrigin is the websocket upgrader's origin policy.
func checkOrigin(r *http.Request) bool {
	return isLoopbackOrigin(r.Header.Get("Origin"))
}

// requireLoopbackOrigin rejects browser requests from foreign pages
// with 403.
func requireLoopbackOrigin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); !isLoopbackOrigin(origin) {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
				Error:   "cross-origin request rejected",
				Code:    "FORBIDDEN_ORIGIN",
				Details: origin,
			})
			return
		}
		c.Next()
	}
}

// requireJSON rejects mutation bodies that are not application/json
// with 415.
func requireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		ct := c.GetHeader("Content-Type")
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != gin.MIMEJSON {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, ErrorResponse{
				Error:   "request body must be application/json",
				Code:    "UNSUPPORTED_MEDIA_TYPE",
				Details: ct,
			})
			return
		}
		c.Next()
	}
}
