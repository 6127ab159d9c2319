// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/neurofed/sitenode/pkg/logging"
	"github.com/neurofed/sitenode/services/node/datatypes"
	"github.com/neurofed/sitenode/services/node/observability"
	"github.com/neurofed/sitenode/services/node/uploads"
)

// UploadScript accepts a multipart "file" part and stores it as an
// analysis script. The optional "uploaded_by" form field is recorded
// verbatim; identity is the gateway's concern.
func UploadScript(store *uploads.Store, metrics *observability.Metrics, log *logging.Logger) gin.HandlerFunc {
	return uploadHandler(store.PutScript, string(datatypes.UploadScript), metrics, log)
}

// UploadData accepts a multipart "file" part and stores it as a data
// file. Data uploads feed the synthetic user-uploaded-files catalog.
func UploadData(store *uploads.Store, metrics *observability.Metrics, log *logging.Logger) gin.HandlerFunc {
	return uploadHandler(store.PutData, string(datatypes.UploadData), metrics, log)
}

func uploadHandler(put func(string, io.Reader, string) (*datatypes.UploadedFile, error),
	kind string, metrics *observability.Metrics, log *logging.Logger) gin.HandlerFunc {

	return func(c *gin.Context) {
		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
			return
		}
		src, err := header.Open()
		if err != nil {
			log.Error("upload open failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		defer src.Close()

		record, err := put(header.Filename, src, c.PostForm("uploaded_by"))
		if err != nil {
			writeError(c, err)
			return
		}
		metrics.UploadsTotal.WithLabelValues(kind).Inc()
		log.Info("upload stored", "kind", kind, "id", record.ID, "name", record.OriginalName,
			"bytes", record.SizeBytes)
		c.JSON(http.StatusCreated, record)
	}
}

// ListUploads lists stored uploads, optionally filtered by the "kind"
// query parameter ("script" or "data").
func ListUploads(store *uploads.Store, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := datatypes.UploadKind(c.Query("kind"))
		switch kind {
		case "", datatypes.UploadScript, datatypes.UploadData:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown upload kind"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"uploads": store.List(kind)})
	}
}
