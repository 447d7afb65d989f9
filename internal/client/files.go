package client

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
)

// UploadResult is the server's acknowledgement of an uploaded file.
type UploadResult struct {
	FileID   string `json:"file_id" validate:"required"`
	FileSize int64  `json:"file_size" validate:"gte=0"`
}

// UploadFile streams r as a multipart upload. jobID is generated by the caller
// so the processing job can be polled before this call returns.
func (c *Client) UploadFile(ctx context.Context, fileName string, r io.Reader, username, jobID string) (*UploadResult, error) {
	const path = "/inputs/upload-file"

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUpload(mw, fileName, r, username, jobID))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(path, nil), pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.send(req, path)
	if err != nil {
		pr.Close()
		return nil, err
	}
	defer resp.Body.Close()

	var out UploadResult
	if err := decode(resp.Body, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func writeUpload(mw *multipart.Writer, fileName string, r io.Reader, username, jobID string) error {
	if err := mw.WriteField("username", username); err != nil {
		return err
	}
	if err := mw.WriteField("job_id", jobID); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("copy file: %w", err)
	}
	return mw.Close()
}

const downloadChunkSize = 1 << 20

// DownloadFile streams the input file id into w in fixed-size chunks and
// returns the file name advertised by the server.
func (c *Client) DownloadFile(ctx context.Context, id string, w io.Writer) (string, error) {
	const path = "/inputs/download-file"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path, url.Values{"id": {id}}), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.send(req, path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	buf := make([]byte, downloadChunkSize)
	if _, err := io.CopyBuffer(w, resp.Body, buf); err != nil {
		return "", &TransportError{Method: req.Method, Path: path, Err: fmt.Errorf("read body: %w", err)}
	}

	name := id
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	return name, nil
}
