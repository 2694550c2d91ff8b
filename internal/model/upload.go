package model

import (
	"io"
	"mime/multipart"
)

// Role identifies the worker pool a route forwards to.
type Role string

const (
	RoleDocumentWorker Role = "document_worker"
	RoleHomeWorker     Role = "home_worker"
)

// Upload is the file part of a multipart request that gets scanned.
type Upload struct {
	Field       string
	Filename    string
	ContentType string
	Size        int64
	SHA256      string

	header *multipart.FileHeader
}

// NewUpload wraps a parsed multipart file header.
func NewUpload(field string, fh *multipart.FileHeader, sum string) *Upload {
	return &Upload{
		Field:       field,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		SHA256:      sum,
		header:      fh,
	}
}

// Open returns an independent reader over the upload content. Every call
// starts at offset zero, so the scanner never shares a cursor with anyone.
func (u *Upload) Open() (io.ReadCloser, error) {
	return u.header.Open()
}
