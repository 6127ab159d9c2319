// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/neurofed/sitenode/pkg/logging"
	"github.com/neurofed/sitenode/services/node/catalog"
)

func ListCatalogs(reg *catalog.Registry, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		catalogs, err := reg.List()
		if err != nil {
			log.Error("catalog list failed", "error", err)
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"catalogs": catalogs})
	}
}

func GetCatalog(reg *catalog.Registry, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		cat, err := reg.Get(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, cat)
	}
}

// CatalogOptions serves the score/timeline options a catalog publishes
// through its manifest metadata. An absent metadata block yields an
// empty list.
func CatalogOptions(reg *catalog.Registry, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		options, err := reg.Options(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"options": options})
	}
}
