// Package transfer implements the HTTP upload/download service with retry
// (spec.md §4.5), grounded directly on the original implementation's
// upload.rs: an exponential backoff with a 15s initial interval and a 5
// minute total budget, a HEAD probe to discover an authoritative redirect
// target before issuing the PUT/POST, and a permanent/transient error
// classification (4xx and certificate errors are permanent; 5xx and
// connection errors are transient).
package transfer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// DefaultInitialInterval and DefaultMaxElapsedTime mirror the original
// implementation's default_backoff(): 15s initial, 5 minutes total budget.
const (
	DefaultInitialInterval     = 15 * time.Second
	DefaultMaxElapsedTime      = 5 * time.Minute
	DefaultRandomizationFactor = 0.1
)

// ContentMode selects how the request body's Content-Type is determined.
type ContentMode int

const (
	// ContentAuto guesses the MIME type from the source file's extension.
	ContentAuto ContentMode = iota
	// ContentCustom uses an explicit MIME type.
	ContentCustom
	// ContentMultipart wraps the body as multipart/form-data with a
	// declared filename.
	ContentMultipart
)

// Method is the HTTP verb used for an upload.
type Method string

const (
	MethodPUT  Method = http.MethodPut
	MethodPOST Method = http.MethodPost
)

// Auth is passed through opaquely; only Bearer is currently defined.
type Auth struct {
	BearerToken string
}

// UploadInfo describes a single upload call.
type UploadInfo struct {
	URL         string
	Auth        *Auth
	Method      Method
	ContentMode ContentMode
	MIMEType    string // used when ContentMode == ContentCustom
	FormField   string // multipart field name, default "file"
	Filename    string // multipart/form-data declared filename
}

// DownloadInfo describes a single download call.
type DownloadInfo struct {
	URL        string
	Auth       *Auth
	TargetPath string
}

// PermanentError wraps an error the backoff policy must not retry: 4xx
// responses and certificate failures observed on the HEAD probe.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Service performs retried HTTP uploads and downloads over a shared client.
type Service struct {
	client *http.Client

	InitialInterval     time.Duration
	MaxElapsedTime      time.Duration
	RandomizationFactor float64
}

// NewService builds a Service using client, or http.DefaultClient if nil.
func NewService(client *http.Client) *Service {
	if client == nil {
		client = http.DefaultClient
	}
	return &Service{
		client:              client,
		InitialInterval:     DefaultInitialInterval,
		MaxElapsedTime:      DefaultMaxElapsedTime,
		RandomizationFactor: DefaultRandomizationFactor,
	}
}

func (s *Service) backoffPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.InitialInterval
	b.MaxElapsedTime = s.MaxElapsedTime
	b.RandomizationFactor = s.RandomizationFactor
	return backoff.WithContext(b, ctx)
}

// Upload sends sourcePath's contents to info.URL, retrying transient
// failures per the configured backoff policy.
func (s *Service) Upload(ctx context.Context, sourcePath string, info UploadInfo) error {
	policy := s.backoffPolicy(ctx)
	operation := func() error {
		err := s.doUpload(ctx, sourcePath, info)
		if err == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		log.Warn().Err(err).Dur("retry_in", d).Msg("transfer: upload attempt failed, retrying")
	}
	return backoff.RetryNotify(operation, policy, notify)
}

func (s *Service) doUpload(ctx context.Context, sourcePath string, info UploadInfo) error {
	f, err := os.Open(sourcePath)
	if err != nil {
		return &PermanentError{fmt.Errorf("open %s: %w", sourcePath, err)}
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return &PermanentError{fmt.Errorf("stat %s: %w", sourcePath, err)}
	}

	targetURL, err := s.resolveRedirect(ctx, info.URL)
	if err != nil {
		return err
	}

	body, contentType, contentLength, err := buildUploadBody(f, stat.Size(), sourcePath, info)
	if err != nil {
		return &PermanentError{err}
	}

	req, err := http.NewRequestWithContext(ctx, string(info.Method), targetURL, body)
	if err != nil {
		return &PermanentError{fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = contentLength
	applyAuth(req, info.Auth)

	resp, err := s.client.Do(req)
	if err != nil {
		return classifyNetworkError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classifyStatus(resp.StatusCode)
}

// Download fetches info.URL into info.TargetPath, retrying transient
// failures per the configured backoff policy.
func (s *Service) Download(ctx context.Context, info DownloadInfo) error {
	policy := s.backoffPolicy(ctx)
	operation := func() error {
		err := s.doDownload(ctx, info)
		if err == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		log.Warn().Err(err).Dur("retry_in", d).Msg("transfer: download attempt failed, retrying")
	}
	return backoff.RetryNotify(operation, policy, notify)
}

func (s *Service) doDownload(ctx context.Context, info DownloadInfo) error {
	targetURL, err := s.resolveRedirect(ctx, info.URL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return &PermanentError{fmt.Errorf("build request: %w", err)}
	}
	applyAuth(req, info.Auth)

	resp, err := s.client.Do(req)
	if err != nil {
		return classifyNetworkError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}

	if err := os.MkdirAll(filepath.Dir(info.TargetPath), 0o755); err != nil {
		return &PermanentError{fmt.Errorf("mkdir %s: %w", filepath.Dir(info.TargetPath), err)}
	}
	out, err := os.CreateTemp(filepath.Dir(info.TargetPath), ".download-*")
	if err != nil {
		return &PermanentError{fmt.Errorf("create temp file: %w", err)}
	}
	defer os.Remove(out.Name())

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("copy body: %w", err) // transient: connection may have dropped mid-stream
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(out.Name(), info.TargetPath); err != nil {
		return &PermanentError{fmt.Errorf("rename into place: %w", err)}
	}
	return nil
}

// resolveRedirect performs a HEAD probe to discover an authoritative
// redirected URL (HTTP->HTTPS upgrades in particular); the HEAD's result
// only affects the target URL, never the auth applied to the follow-up
// request. A TLS/certificate error on the HEAD is permanent for the whole
// call, since a retry would hit the same certificate problem.
func (s *Service) resolveRedirect(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return rawURL, nil
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if isCertificateError(err) {
			return "", &PermanentError{fmt.Errorf("HEAD %s: %w", rawURL, err)}
		}
		return rawURL, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.Request != nil && resp.Request.URL != nil {
		final := resp.Request.URL.String()
		if final != rawURL {
			log.Info().Str("from", rawURL).Str("to", final).Msg("transfer: redirected by HEAD probe")
		}
		return final, nil
	}
	return rawURL, nil
}

func buildUploadBody(f *os.File, size int64, sourcePath string, info UploadInfo) (io.Reader, string, int64, error) {
	switch info.ContentMode {
	case ContentMultipart:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		field := info.FormField
		if field == "" {
			field = "file"
		}
		filename := info.Filename
		if filename == "" {
			filename = filepath.Base(sourcePath)
		}
		part, err := w.CreateFormFile(field, filename)
		if err != nil {
			return nil, "", 0, fmt.Errorf("create form file: %w", err)
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, "", 0, fmt.Errorf("copy into form: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", 0, fmt.Errorf("close multipart writer: %w", err)
		}
		return &buf, w.FormDataContentType(), int64(buf.Len()), nil
	case ContentCustom:
		return f, info.MIMEType, size, nil
	default:
		guessed := mime.TypeByExtension(filepath.Ext(sourcePath))
		if guessed == "" {
			guessed = "application/octet-stream"
		}
		return f, guessed, size, nil
	}
}

func applyAuth(req *http.Request, auth *Auth) {
	if auth != nil && auth.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+auth.BearerToken)
	}
}

func classifyNetworkError(err error) error {
	if isCertificateError(err) {
		return &PermanentError{err}
	}
	return fmt.Errorf("transfer: network error: %w", err)
}

func isCertificateError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthErr x509.UnknownAuthorityError
	return errors.As(err, &unknownAuthErr)
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 400 && status < 500:
		return &PermanentError{fmt.Errorf("transfer: client error: %s", http.StatusText(status))}
	default:
		return fmt.Errorf("transfer: server error: %s", http.StatusText(status))
	}
}
