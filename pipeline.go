package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/goliatone/go-authclient/clock"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	HeaderRequestID       = "X-Request-ID"
	maxResponseBody       = 4 << 20
)

// Operation tags a request whose failures need operation specific messages
type Operation string

const (
	OperationNone           Operation = ""
	OperationLogin          Operation = "auth.login"
	OperationRegister       Operation = "auth.register"
	OperationPasswordUpdate Operation = "user.password.update"
)

// FormFile is a file part of a multipart request
type FormFile struct {
	Field       string
	Filename    string
	ContentType string
	Content     []byte
}

// Request describes one call to the API. Path is relative to the base URL.
type Request struct {
	Method    string
	Path      string
	Query     url.Values
	Body      any
	Form      map[string]string
	Files     []FormFile
	Header    http.Header
	Operation Operation
}

// Response is a successful API response with its body fully read.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	RequestID string
}

// Decode unmarshals the JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if r == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Pipeline sends API requests with the stored credential and the
// anti-forgery header attached, and retries once after repairing an expired
// session or a stale anti-forgery token.
type Pipeline struct {
	baseURL     *url.URL
	client      *http.Client
	credentials *CredentialStore
	antiForgery *AntiForgery
	refresher   Refresher
	clock       clock.Clock
	logger      Logger

	csrfEndpoint string
	csrfCookie   string
	csrfHeader   string
	timeout      time.Duration

	mu          sync.Mutex
	inflight    *refreshCall
	generations map[RetryReason]uint64
	lastRefresh map[RetryReason]error

	subsMu  sync.Mutex
	subs    map[int]func(*RequestError)
	nextSub int
}

type refreshCall struct {
	reason RetryReason
	done   chan struct{}
	err    error
}

// attempt records what was true when a request went out.
type attempt struct {
	err         error
	credential  string
	generations map[RetryReason]uint64
	requestID   string
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithHTTPClient replaces the default client. The client should carry a
// cookie jar and must not follow redirects.
func WithHTTPClient(client *http.Client) PipelineOption {
	return func(p *Pipeline) {
		if client != nil {
			p.client = client
		}
	}
}

// WithRefresher sets the session refresh used after a 401. By default the
// anti-forgery cookie is re-bootstrapped, which renews a cookie backed
// session.
func WithRefresher(r Refresher) PipelineOption {
	return func(p *Pipeline) {
		if r != nil {
			p.refresher = r
		}
	}
}

// WithCSRFEndpoint overrides the absolute URL of the anti-forgery cookie
// endpoint.
func WithCSRFEndpoint(endpoint string) PipelineOption {
	return func(p *Pipeline) {
		if endpoint != "" {
			p.csrfEndpoint = endpoint
		}
	}
}

// WithCSRFNames overrides the anti-forgery cookie and header names.
func WithCSRFNames(cookie, header string) PipelineOption {
	return func(p *Pipeline) {
		p.csrfCookie = cookie
		p.csrfHeader = header
	}
}

// WithRequestTimeout sets the timeout of the default client.
func WithRequestTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPipelineClock injects the clock used to read Retry-After dates.
func WithPipelineClock(c clock.Clock) PipelineOption {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithPipelineLogger sets the pipeline logger.
func WithPipelineLogger(logger Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline returns a pipeline for the API rooted at baseURL.
func NewPipeline(baseURL string, credentials *CredentialStore, opts ...PipelineOption) (*Pipeline, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q: scheme and host are required", baseURL)
	}
	if credentials == nil {
		credentials = NewCredentialStore(nil, nil)
	}

	p := &Pipeline{
		baseURL:     base,
		credentials: credentials,
		clock:       clock.Real(),
		logger:      defLogger{},
		timeout:     DefaultRequestTimeout,
		generations: map[RetryReason]uint64{},
		lastRefresh: map[RetryReason]error{},
		subs:        map[int]func(*RequestError){},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if p.client == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		p.client = &http.Client{
			Jar:     jar,
			Timeout: p.timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	if p.csrfEndpoint == "" {
		p.csrfEndpoint = defaultCSRFEndpoint(base)
	}
	p.antiForgery = NewAntiForgery(p.client, p.csrfEndpoint, p.csrfCookie, p.csrfHeader, p.logger)

	if p.refresher == nil {
		p.refresher = RefresherFunc(func(ctx context.Context, _ RetryReason) error {
			return p.antiForgery.Refresh(ctx)
		})
	}

	return p, nil
}

// defaultCSRFEndpoint places the cookie endpoint on the API origin, outside
// a trailing /api path segment.
func defaultCSRFEndpoint(base *url.URL) string {
	u := *base
	u.Path = strings.TrimSuffix(strings.TrimRight(u.Path, "/"), "/api") + DefaultCSRFCookiePath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// Credentials returns the store the pipeline reads credentials from.
func (p *Pipeline) Credentials() *CredentialStore {
	return p.credentials
}

// AntiForgery returns the anti-forgery helper bound to the pipeline client.
func (p *Pipeline) AntiForgery() *AntiForgery {
	return p.antiForgery
}

// OnAuthFailure registers fn for terminal auth errors. The returned func
// unsubscribes.
func (p *Pipeline) OnAuthFailure(fn func(*RequestError)) func() {
	if fn == nil {
		return func() {}
	}
	p.subsMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.subsMu.Lock()
			delete(p.subs, id)
			p.subsMu.Unlock()
		})
	}
}

// Do sends req. A 401 or 419 is repaired and retried at most once; every
// other failure is returned as a *RequestError.
func (p *Pipeline) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}

	resp, first, err := p.send(ctx, req)
	if err != nil {
		return nil, err
	}

	result := classify(req, resp, first.err, p.clock.Now())
	switch result.kind {
	case outcomeSuccess:
		return resp, nil
	case outcomeFatal:
		p.logFailure(req, first, result.err)
		return nil, result.err
	}

	p.logger.Debug("%s %s [%s] needs refresh: %s", req.Method, req.Path, first.requestID, result.reason)

	if refreshErr := p.refresh(ctx, result.reason, first.generations); refreshErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// the refresh may still succeed for everyone else
			reqErr := &RequestError{Kind: KindNetwork, Message: MessageNetworkUnavailable, Err: ctxErr}
			p.logFailure(req, first, reqErr)
			return nil, reqErr
		}
		p.logger.Warn("refresh for %s failed: %v", result.reason, refreshErr)
		return nil, p.terminal(ctx, result.reason, first, resp, refreshErr)
	}

	resp, second, err := p.send(ctx, req)
	if err != nil {
		return nil, err
	}

	final := classify(req, resp, second.err, p.clock.Now())
	switch final.kind {
	case outcomeSuccess:
		return resp, nil
	case outcomeRetry:
		return nil, p.terminal(ctx, final.reason, second, resp, nil)
	}
	p.logFailure(req, second, final.err)
	return nil, final.err
}

// Get is a shortcut for a GET request.
func (p *Pipeline) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return p.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post is a shortcut for a JSON POST request.
func (p *Pipeline) Post(ctx context.Context, path string, body any) (*Response, error) {
	return p.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

// refresh runs or joins the refresh for reason. A refresh that finished
// after the request was sent counts, so concurrent failures trigger one
// refresh between them.
func (p *Pipeline) refresh(ctx context.Context, reason RetryReason, seen map[RetryReason]uint64) error {
	for {
		p.mu.Lock()
		if p.generations[reason] > seen[reason] {
			err := p.lastRefresh[reason]
			p.mu.Unlock()
			return err
		}

		if call := p.inflight; call != nil {
			p.mu.Unlock()
			select {
			case <-call.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if call.reason == reason {
				return call.err
			}
			continue
		}

		call := &refreshCall{reason: reason, done: make(chan struct{})}
		p.inflight = call
		p.mu.Unlock()

		// waiters share this refresh, so the first caller's cancellation
		// must not fail it for them
		call.err = p.runRefresh(context.WithoutCancel(ctx), reason)

		p.mu.Lock()
		p.generations[reason]++
		p.lastRefresh[reason] = call.err
		p.inflight = nil
		p.mu.Unlock()
		close(call.done)

		return call.err
	}
}

func (p *Pipeline) runRefresh(ctx context.Context, reason RetryReason) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	switch reason {
	case RetryCsrfMismatch:
		return p.antiForgery.Refresh(ctx)
	default:
		return p.refresher.Refresh(ctx, reason)
	}
}

// terminal builds the AuthError for a failure that survived its retry.
func (p *Pipeline) terminal(ctx context.Context, reason RetryReason, at attempt, resp *Response, cause error) *RequestError {
	var reqErr *RequestError

	switch reason {
	case RetryCsrfMismatch:
		reqErr = &RequestError{
			Kind:    KindCsrfMismatch,
			Status:  StatusCsrfMismatch,
			Message: MessageCsrfMismatch,
			Err:     cause,
		}
	default:
		if at.credential != "" {
			p.credentials.ClearIfValue(ctx, at.credential)
			reqErr = &RequestError{
				Kind:    KindSessionExpired,
				Status:  http.StatusUnauthorized,
				Message: MessageSessionExpired,
				Err:     cause,
			}
		} else {
			message := MessageSessionExpired
			if resp != nil {
				if m, _, _ := parseErrorBody(resp.Body); m != "" {
					message = m
				}
			}
			reqErr = &RequestError{
				Kind:    KindInvalidCredentials,
				Status:  http.StatusUnauthorized,
				Message: message,
				Err:     cause,
			}
		}
	}

	p.logger.Info("request [%s] ended with %s", at.requestID, reqErr.Kind)
	p.publish(reqErr)
	return reqErr
}

func (p *Pipeline) publish(err *RequestError) {
	p.subsMu.Lock()
	ids := make([]int, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(*RequestError), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.subs[id])
	}
	p.subsMu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

// send performs one attempt. The returned error is only set when the
// request could not be built or its response body was over the limit;
// transport failures land in attempt.err.
func (p *Pipeline) send(ctx context.Context, req *Request) (*Response, attempt, error) {
	at := attempt{
		generations: p.snapshotGenerations(),
		requestID:   uuid.NewString(),
	}

	if isStateChanging(req.Method) {
		if err := p.antiForgery.Ensure(ctx); err != nil {
			p.logger.Warn("anti-forgery bootstrap failed: %v", err)
		}
	}

	httpReq, err := p.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, at, err
	}
	httpReq.Header.Set(HeaderRequestID, at.requestID)

	if cred, ok := p.credentials.Load(ctx); ok {
		at.credential = cred.Value
		httpReq.Header.Set("Authorization", "Bearer "+cred.Value)
	}
	p.antiForgery.Apply(httpReq)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		at.err = err
		return nil, at, nil
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody+1))
	if err != nil {
		at.err = err
		return nil, at, nil
	}
	if len(body) > maxResponseBody {
		p.logger.Warn("%s %s [%s] response body over %d bytes", req.Method, req.Path, at.requestID, maxResponseBody)
		return nil, at, &RequestError{
			Kind:    KindServer,
			Status:  httpResp.StatusCode,
			Message: DefaultErrorMessage,
			Err:     fmt.Errorf("%w: limit is %d bytes", ErrResponseTooLarge, maxResponseBody),
		}
	}

	p.logger.Debug("%s %s [%s] -> %d", req.Method, req.Path, at.requestID, httpResp.StatusCode)

	return &Response{
		Status:    httpResp.StatusCode,
		Header:    httpResp.Header,
		Body:      body,
		RequestID: at.requestID,
	}, at, nil
}

func (p *Pipeline) snapshotGenerations() map[RetryReason]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := make(map[RetryReason]uint64, len(p.generations))
	for reason, gen := range p.generations {
		snap[reason] = gen
	}
	return snap
}

func (p *Pipeline) newHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.resolve(req.Path, req.Query), body)
	if err != nil {
		return nil, err
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Requested-With", "XMLHttpRequest")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	return httpReq, nil
}

func (p *Pipeline) resolve(path string, query url.Values) string {
	u := *p.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (p *Pipeline) logFailure(req *Request, at attempt, err *RequestError) {
	if err.Kind == KindNetwork {
		p.logger.Warn("%s %s [%s] network failure: %v", req.Method, req.Path, at.requestID, err.Err)
		return
	}
	p.logger.Debug("%s %s [%s] failed: %s (%d)", req.Method, req.Path, at.requestID, err.Kind, err.Status)
}

// encodeBody builds a fresh body for every attempt so a retry can resend it.
func encodeBody(req *Request) (io.Reader, string, error) {
	if len(req.Files) > 0 {
		return encodeMultipart(req.Form, req.Files)
	}

	if len(req.Form) > 0 && req.Body == nil {
		values := url.Values{}
		for k, v := range req.Form {
			values.Set(k, v)
		}
		return strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", nil
	}

	if req.Body == nil {
		return nil, "", nil
	}

	raw, err := json.Marshal(req.Body)
	if err != nil {
		return nil, "", fmt.Errorf("encode request body: %w", err)
	}
	return bytes.NewReader(raw), "application/json", nil
}

func encodeMultipart(fields map[string]string, files []FormFile) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := writer.WriteField(k, fields[k]); err != nil {
			return nil, "", err
		}
	}

	for _, file := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.Field, file.Filename))
		contentType := file.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(file.Content)
		}
		header.Set("Content-Type", contentType)

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(file.Content); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf, writer.FormDataContentType(), nil
}

func isStateChanging(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
