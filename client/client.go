// Package client is the authenticated HTTP request layer shared by every
// git host backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"gitcms/internal/auth"
	cmserrors "gitcms/internal/errors"
	"gitcms/internal/logging"
)

var jsonContentType = regexp.MustCompile(`json`)

type Client struct {
	apiRoot    string
	backend    string
	httpClient *http.Client
	session    *auth.Session
	now        func() time.Time
	logger     *logging.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSession attaches the token session consulted before every request.
func WithSession(s *auth.Session) Option {
	return func(c *Client) { c.session = s }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for apiRoot. backend tags every APIError.
func New(apiRoot, backend string, opts ...Option) *Client {
	c := &Client{
		apiRoot:    strings.TrimSuffix(apiRoot, "/"),
		backend:    backend,
		httpClient: &http.Client{},
		now:        time.Now,
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Backend() string { return c.backend }

func (c *Client) Session() *auth.Session { return c.session }

// Options describes one request. Body is sent as is when it is a
// []byte, string or io.Reader, and JSON encoded otherwise.
type Options struct {
	Method  string
	Params  map[string]string
	Headers map[string]string
	Body    any
	// Raw returns the body as text even when the response is JSON.
	Raw bool
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	JSON   bool
}

func (r *Response) Decode(out any) error {
	return json.Unmarshal(r.Body, out)
}

func (r *Response) Text() string {
	return string(r.Body)
}

// URLFor appends the cache-busting timestamp and the caller params.
func (c *Client) URLFor(path string, params map[string]string) string {
	values := []string{"ts=" + strconv.FormatInt(c.now().UnixMilli(), 10)}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values = append(values, k+"="+escapeParam(params[k]))
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return c.apiRoot + path + sep + strings.Join(values, "&")
}

// escapeParam encodes a query value with %20 for spaces.
func escapeParam(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

func (c *Client) requestHeaders(token string, headers map[string]string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		h.Set(k, v)
	}
	return h
}

// formRequestHeaders leaves Content-Type to the multipart writer.
func (c *Client) formRequestHeaders(token string, headers map[string]string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		h.Set(k, v)
	}
	return h
}

// Request sends a JSON request.
func (c *Client) Request(ctx context.Context, path string, opts Options) (*Response, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := encodeBody(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return c.do(ctx, path, opts, body, c.requestHeaders(token, opts.Headers))
}

// FormRequest sends a multipart form request.
func (c *Client) FormRequest(ctx context.Context, path string, form *Form, opts Options) (*Response, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	body, contentType, err := form.encode()
	if err != nil {
		return nil, fmt.Errorf("encoding form: %w", err)
	}
	headers := c.formRequestHeaders(token, opts.Headers)
	headers.Set("Content-Type", contentType)

	if opts.Method == "" {
		opts.Method = http.MethodPost
	}
	return c.do(ctx, path, opts, body, headers)
}

// RequestJSON decodes a successful JSON response into out.
func (c *Client) RequestJSON(ctx context.Context, path string, opts Options, out any) error {
	resp, err := c.Request(ctx, path, opts)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := resp.Decode(out); err != nil {
		return &cmserrors.APIError{Message: "decoding response: " + err.Error(), Status: resp.Status, Backend: c.backend}
	}
	return nil
}

func (c *Client) RequestText(ctx context.Context, path string, opts Options) (string, error) {
	opts.Raw = true
	resp, err := c.Request(ctx, path, opts)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.session == nil {
		return "", nil
	}
	return c.session.EnsureValid(ctx)
}

func (c *Client) do(ctx context.Context, path string, opts Options, body io.Reader, headers http.Header) (*Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URLFor(path, opts.Params), body)
	if err != nil {
		return nil, &cmserrors.APIError{Message: err.Error(), Backend: c.backend}
	}
	req.Header = headers

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &cmserrors.APIError{Message: err.Error(), Backend: c.backend}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &cmserrors.APIError{Message: err.Error(), Status: resp.StatusCode, Backend: c.backend}
	}

	c.logger.Debug("api request",
		zap.String("backend", c.backend),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	out := &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300

	if jsonContentType.MatchString(resp.Header.Get("Content-Type")) && !opts.Raw {
		out.JSON = true
		var parsed any
		if len(data) > 0 {
			if err := json.Unmarshal(data, &parsed); err != nil {
				return nil, &cmserrors.APIError{Message: "invalid JSON response: " + err.Error(), Status: resp.StatusCode, Backend: c.backend}
			}
		}
		if !ok {
			return nil, &cmserrors.APIError{
				Message: errorMessage(data, resp.StatusCode),
				Status:  resp.StatusCode,
				Backend: c.backend,
				Body:    parsed,
			}
		}
		return out, nil
	}

	if !ok {
		msg := strings.TrimSpace(string(data))
		if msg == "" || (jsonContentType.MatchString(resp.Header.Get("Content-Type"))) {
			msg = errorMessage(data, resp.StatusCode)
		}
		return nil, &cmserrors.APIError{Message: msg, Status: resp.StatusCode, Backend: c.backend}
	}
	return out, nil
}

// errorMessage digs the human readable message out of a JSON error body.
// GitHub-style hosts use "message", Bitbucket nests it under "error".
func errorMessage(body []byte, status int) string {
	for _, path := range []string{"message", "error.message", "error"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return http.StatusText(status)
}

func encodeBody(body any) (io.Reader, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return bytes.NewReader(b), nil
	case string:
		return strings.NewReader(b), nil
	case io.Reader:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(data), nil
	}
}

// Form is an ordered multipart form.
type Form struct {
	parts []formPart
}

type formPart struct {
	name     string
	filename string
	value    []byte
}

func NewForm() *Form {
	return &Form{}
}

func (f *Form) AddField(name, value string) *Form {
	f.parts = append(f.parts, formPart{name: name, value: []byte(value)})
	return f
}

// AddFile adds a file part; the field name doubles as the filename, which
// is how Bitbucket's src endpoint maps parts to repository paths.
func (f *Form) AddFile(name string, content []byte) *Form {
	f.parts = append(f.parts, formPart{name: name, filename: name, value: content})
	return f
}

func (f *Form) Len() int {
	return len(f.parts)
}

func (f *Form) encode() (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range f.parts {
		var (
			part io.Writer
			err  error
		)
		if p.filename != "" {
			part, err = w.CreateFormFile(p.name, p.filename)
		} else {
			part, err = w.CreateFormField(p.name)
		}
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(p.value); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
