// Package upload materializes inbound upload requests so the same bytes can be
// scanned and then replayed to a worker.
package upload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"upload-gate/internal/model"
)

// FieldName is the multipart field that carries the file to scan.
const FieldName = "upload"

// ErrNoUpload is returned when the request carries no usable upload field.
var ErrNoUpload = errors.New("upload field missing")

// Payload is a fully buffered request body with its parsed upload parts.
// Every part in Uploads travels to the worker, so every one must be scanned.
type Payload struct {
	Body    []byte
	Upload  *model.Upload // first entry of Uploads
	Uploads []*model.Upload

	form *multipart.Form
}

// Reader returns a fresh reader over the buffered body.
func (p *Payload) Reader() *bytes.Reader {
	return bytes.NewReader(p.Body)
}

// Close removes any temporary files spooled while parsing the form.
func (p *Payload) Close() error {
	if p == nil || p.form == nil {
		return nil
	}
	return p.form.RemoveAll()
}

// Extractor reads request bodies and locates the upload field.
type Extractor struct {
	maxMemory int64
}

// NewExtractor creates an Extractor. File parts larger than maxMemory are
// spooled to disk instead of being held in memory a second time.
func NewExtractor(maxMemory int64) *Extractor {
	return &Extractor{maxMemory: maxMemory}
}

// Extract buffers the request body and parses the upload from that buffer.
// On return req.Body is rewound, so the request can be replayed unchanged.
//
// A request without a usable upload yields ErrNoUpload. Errors from reading
// the body itself are wrapped and returned as-is.
func (x *Extractor) Extract(req *http.Request) (*Payload, error) {
	body, err := x.materialize(req)
	if err != nil {
		return nil, err
	}

	mediatype, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil || mediatype != "multipart/form-data" || params["boundary"] == "" {
		return nil, ErrNoUpload
	}

	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	form, err := mr.ReadForm(x.maxMemory)
	if err != nil {
		return nil, fmt.Errorf("%w: parse form: %v", ErrNoUpload, err)
	}

	files := form.File[FieldName]
	if len(files) == 0 {
		_ = form.RemoveAll()
		return nil, ErrNoUpload
	}

	uploads := make([]*model.Upload, 0, len(files))
	for _, fh := range files {
		sum, err := digest(fh)
		if err != nil {
			_ = form.RemoveAll()
			return nil, fmt.Errorf("%w: read upload: %v", ErrNoUpload, err)
		}
		uploads = append(uploads, model.NewUpload(FieldName, fh, sum))
	}

	return &Payload{
		Body:    body,
		Upload:  uploads[0],
		Uploads: uploads,
		form:    form,
	}, nil
}

// materialize reads the body exactly once and installs a replayable copy.
func (x *Extractor) materialize(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
	return body, nil
}

func digest(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
