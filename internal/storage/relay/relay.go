// Package relay implements storage.BlobStore on top of the Telegram Bot API.
//
// Every object is sent as a document to one destination chat. The message's
// file_id is the object's identifier; bytes are fetched back through
// getFile and the bot file endpoint.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaydrive/relaydrive/internal/logging"
	"github.com/relaydrive/relaydrive/internal/metrics"
	"github.com/relaydrive/relaydrive/internal/retry"
	"github.com/relaydrive/relaydrive/internal/storage"
)

// MaxCaptionLength is the longest caption the Bot API accepts.
const MaxCaptionLength = 1024

// Operation names used in errors and metrics.
const (
	OpSendDocument = "sendDocument"
	OpGetFile      = "getFile"
	OpGetMe        = "getMe"
	OpGetChat      = "getChat"
	OpDownload     = "download"
)

// Config holds relay settings.
type Config struct {
	BotToken      string
	ChatID        string
	APIBase       string        // defaults to https://api.telegram.org
	Timeout       time.Duration // bot API calls, download response headers and download stalls
	UploadTimeout time.Duration // whole sendDocument request
}

// Error is returned for every failed relay interaction. Code is the
// upstream error code, the HTTP status, or 0 when the relay was unreachable.
type Error struct {
	Op          string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay %s failed (%d): %s", e.Op, e.Code, e.Description)
}

// transient reports whether the call may succeed if repeated.
func (e *Error) transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client talks to the Bot API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	retry   retry.Config
	log     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client's logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = logging.OrNop(log) }
}

// WithRateLimit paces outbound bot API calls.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

// WithRetry sets the backoff used for idempotent calls.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

var _ storage.BlobStore = (*Client)(nil)

// New creates a relay client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("relay: bot token is required")
	}
	if cfg.ChatID == "" {
		return nil, errors.New("relay: destination chat id is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}

	c := &Client{
		cfg:     cfg,
		http:    newHTTPClient(cfg.Timeout),
		limiter: rate.NewLimiter(20, 10),
		retry:   retry.DefaultConfig(),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// newHTTPClient bounds connection setup and time to first byte. There is no
// overall client timeout because downloads stream for as long as they need;
// API calls get a context deadline instead.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   16,
		},
	}
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type document struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
	FileSize     int64  `json:"file_size"`
}

type message struct {
	MessageID int64     `json:"message_id"`
	Document  *document `json:"document"`
}

type file struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int64  `json:"file_size"`
	FilePath     string `json:"file_path"`
}

func (c *Client) methodURL(method string) string {
	return c.cfg.APIBase + "/bot" + c.cfg.BotToken + "/" + method
}

func (c *Client) fileURL(path string) string {
	return c.cfg.APIBase + "/file/bot" + c.cfg.BotToken + "/" + strings.TrimLeft(path, "/")
}

// redact strips the bot token from transport errors, which embed the URL.
func (c *Client) redact(err error) string {
	return strings.ReplaceAll(err.Error(), c.cfg.BotToken, "<token>")
}

// unreachable logs a transport failure and returns the generic error that
// callers see in its place.
func (c *Client) unreachable(op string, err error) *Error {
	c.log.Warn("relay request failed", zap.String("op", op), zap.String("error", c.redact(err)))
	return &Error{Op: op, Description: "relay unreachable"}
}

// do sends req and decodes the envelope's result into out.
func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return c.unreachable(op, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		c.log.Warn("relay response not decodable",
			zap.String("op", op), zap.Int("status", resp.StatusCode), zap.String("error", c.redact(err)))
		return &Error{Op: op, Code: resp.StatusCode, Description: "invalid relay response"}
	}
	if !env.OK {
		rerr := &Error{Op: op, Code: env.ErrorCode, Description: env.Description}
		if rerr.Code == 0 {
			rerr.Code = resp.StatusCode
		}
		if rerr.Description == "" {
			rerr.Description = http.StatusText(resp.StatusCode)
		}
		if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			rerr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		return rerr
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return &Error{Op: op, Code: resp.StatusCode, Description: "invalid relay result"}
		}
	}
	return nil
}

// call invokes a bot API method with form parameters.
func (c *Client) call(ctx context.Context, op string, params url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, Description: "request cancelled"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(op), strings.NewReader(params.Encode()))
	if err != nil {
		return &Error{Op: op, Description: "invalid request"}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	err = c.do(op, req, out)
	metrics.RecordRelayOperation(op, time.Since(start), err == nil)
	return err
}

// Upload sends r as a document to the destination chat. size is the
// declared length; the stream is also counted and aborted if it exceeds
// storage.MaxBlobSize. Validation failures never reach the network.
func (c *Client) Upload(ctx context.Context, r io.Reader, size int64, fileName, mimeType string) (*storage.BlobRef, error) {
	if err := storage.ValidateUpload(size, fileName, mimeType); err != nil {
		metrics.RecordUploadRejected(rejectReason(err))
		c.log.Info("upload rejected", zap.String("file", fileName), zap.Error(err))
		return nil, err
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: OpSendDocument, Description: "request cancelled"}
	}

	body := &capReader{r: r, limit: storage.MaxBlobSize}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	writeErr := make(chan error, 1)
	go func() {
		err := writeDocumentForm(mw, c.cfg.ChatID, caption(fileName), fileName, mimeType, body)
		pw.CloseWithError(err)
		writeErr <- err
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(OpSendDocument), pr)
	if err != nil {
		pr.Close()
		<-writeErr
		return nil, &Error{Op: OpSendDocument, Description: "invalid request"}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	var msg message
	err = c.do(OpSendDocument, req, &msg)
	pr.CloseWithError(io.ErrClosedPipe)
	if werr := <-writeErr; errors.Is(werr, storage.ErrTooLarge) {
		metrics.RecordUploadRejected("too_large")
		c.log.Info("upload exceeded size limit while streaming", zap.String("file", fileName))
		return nil, storage.ErrTooLarge
	}
	metrics.RecordRelayOperation(OpSendDocument, time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	if msg.Document == nil || msg.Document.FileID == "" {
		return nil, &Error{Op: OpSendDocument, Description: "response carried no document"}
	}
	metrics.RecordRelayUpload(body.n)

	ref := &storage.BlobRef{
		RemoteObjectID: msg.Document.FileID,
		RemoteUniqueID: msg.Document.FileUniqueID,
		SizeBytes:      msg.Document.FileSize,
		MessageID:      msg.MessageID,
	}
	if ref.SizeBytes == 0 {
		ref.SizeBytes = body.n
	}

	// The path is informational; downloads always resolve a fresh one.
	if loc, err := c.Resolve(ctx, ref.RemoteObjectID); err == nil {
		ref.RemotePath = loc.Path
	} else {
		c.log.Debug("post-upload resolve failed", zap.String("file_id", ref.RemoteObjectID), zap.Error(err))
	}

	c.log.Info("blob uploaded",
		zap.String("file_id", ref.RemoteObjectID),
		zap.Int64("size", ref.SizeBytes),
		zap.Duration("elapsed", time.Since(start)))
	return ref, nil
}

func writeDocumentForm(mw *multipart.Writer, chatID, caption, fileName, mimeType string, body io.Reader) error {
	if err := mw.WriteField("chat_id", chatID); err != nil {
		return err
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="document"; filename="%s"`, escapeQuotes(fileName)))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

// caption derives the message caption from the file name.
func caption(fileName string) string {
	runes := []rune(fileName)
	if len(runes) > MaxCaptionLength {
		runes = runes[:MaxCaptionLength]
	}
	return string(runes)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, storage.ErrTooLarge):
		return "too_large"
	case errors.Is(err, storage.ErrInvalidFileName):
		return "invalid_name"
	case errors.Is(err, storage.ErrDangerousType):
		return "dangerous_type"
	default:
		return "other"
	}
}

// capReader counts bytes and fails with storage.ErrTooLarge once more than
// limit bytes have been read.
type capReader struct {
	r     io.Reader
	limit int64
	n     int64
}

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.limit {
		return n, storage.ErrTooLarge
	}
	return n, err
}

// callRetried is call with backoff on throttling and upstream failures.
// Only idempotent methods go through it.
func (c *Client) callRetried(ctx context.Context, op string, params url.Values, out any) error {
	err := retry.Do(ctx, c.retry, func() error {
		err := c.call(ctx, op, params, out)
		var rerr *Error
		if !errors.As(err, &rerr) || !rerr.transient() {
			return err
		}
		if rerr.RetryAfter > 0 {
			return retry.RetryableAfter(err, rerr.RetryAfter)
		}
		return retry.Retryable(err)
	})
	if err != nil {
		var rerr *Error
		if !errors.As(err, &rerr) {
			// Context ended between attempts.
			return &Error{Op: op, Description: "request cancelled"}
		}
	}
	return err
}

// Resolve asks the relay for the object's current download path. It is
// retried with backoff when the relay is throttling or failing.
func (c *Client) Resolve(ctx context.Context, remoteObjectID string) (*storage.Location, error) {
	var f file
	if err := c.callRetried(ctx, OpGetFile, url.Values{"file_id": {remoteObjectID}}, &f); err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, &Error{Op: OpGetFile, Description: "file path unavailable"}
	}
	return &storage.Location{Path: f.FilePath, SizeBytes: f.FileSize}, nil
}

// Open resolves the object and streams it from the file endpoint. The body
// is handed to the caller unbuffered. A body that delivers nothing for
// Config.Timeout fails with a "relay stalled" error.
func (c *Client) Open(ctx context.Context, remoteObjectID string) (io.ReadCloser, *storage.Location, error) {
	loc, err := c.Resolve(ctx, remoteObjectID)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(loc.Path), nil)
	if err != nil {
		cancel()
		return nil, nil, &Error{Op: OpDownload, Description: "invalid request"}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		metrics.RecordRelayOperation(OpDownload, time.Since(start), false)
		return nil, nil, c.unreachable(OpDownload, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		metrics.RecordRelayOperation(OpDownload, time.Since(start), false)
		return nil, nil, &Error{Op: OpDownload, Code: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		cancel()
		metrics.RecordRelayOperation(OpDownload, time.Since(start), false)
		return nil, nil, &Error{Op: OpDownload, Code: resp.StatusCode, Description: "empty response body"}
	}
	metrics.RecordRelayOperation(OpDownload, time.Since(start), true)

	if loc.SizeBytes == 0 && resp.ContentLength > 0 {
		loc.SizeBytes = resp.ContentLength
	}
	return newDownloadBody(resp.Body, c.cfg.Timeout, cancel), loc, nil
}

// downloadBody cancels the request when a single Read waits longer than
// idle, and reports downloaded bytes when closed.
type downloadBody struct {
	rc      io.ReadCloser
	idle    time.Duration
	timer   *time.Timer
	stalled atomic.Bool
	cancel  context.CancelFunc
	n       int64
}

func newDownloadBody(rc io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *downloadBody {
	b := &downloadBody{rc: rc, idle: idle, cancel: cancel}
	b.timer = time.AfterFunc(idle, func() {
		b.stalled.Store(true)
		cancel()
	})
	b.timer.Stop()
	return b
}

func (b *downloadBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.idle)
	n, err := b.rc.Read(p)
	b.timer.Stop()
	b.n += int64(n)
	if err != nil && err != io.EOF && b.stalled.Load() {
		return n, &Error{Op: OpDownload, Description: "relay stalled"}
	}
	return n, err
}

func (b *downloadBody) Close() error {
	b.timer.Stop()
	metrics.RecordRelayDownload(b.n)
	err := b.rc.Close()
	b.cancel()
	return err
}

// VerifyCredentials calls getMe.
func (c *Client) VerifyCredentials(ctx context.Context) bool {
	if err := c.callRetried(ctx, OpGetMe, url.Values{}, nil); err != nil {
		c.log.Warn("relay credential check failed", zap.Error(err))
		return false
	}
	return true
}

// VerifyDestinationAccess calls getChat on the destination chat.
func (c *Client) VerifyDestinationAccess(ctx context.Context) bool {
	if err := c.callRetried(ctx, OpGetChat, url.Values{"chat_id": {c.cfg.ChatID}}, nil); err != nil {
		c.log.Warn("relay destination check failed", zap.String("chat_id", c.cfg.ChatID), zap.Error(err))
		return false
	}
	return true
}
