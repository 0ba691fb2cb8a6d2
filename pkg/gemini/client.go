package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL     = "https://gemini.google.com"
	defaultAccountsURL = "https://accounts.google.com"
	defaultUploadURL   = "https://content-push.googleapis.com/upload"

	generatePath = "/_/BardChatUi/data/assistant.lamda.BardFrontendService/StreamGenerate"
	rotatePath   = "/RotateCookies"

	uploadPushID = "feeds/mcudyrk2a4khkz"

	cookiePSID   = "__Secure-1PSID"
	cookiePSIDTS = "__Secure-1PSIDTS"

	maxResponseBytes = 16 << 20
)

var accessTokenRe = regexp.MustCompile(`"SNlM0e":"(.*?)"`)

type Options struct {
	Secure1PSID   string
	Secure1PSIDTS string
	ProxyURL      string

	// Endpoint overrides, used by tests. Zero values mean production URLs.
	BaseURL     string
	AccountsURL string
	UploadURL   string
}

// FileRef is a backend-side handle for an uploaded attachment.
type FileRef struct {
	ID   string
	Name string
}

// GenerateRequest is one turn against the backend. Metadata carries the
// continuation triple [cid, rid, rcid]; empty starts a fresh conversation.
type GenerateRequest struct {
	Prompt   string
	Model    Model
	Files    []FileRef
	Metadata []string
}

// Client is a single authenticated connection to the Gemini web backend.
// It is safe for concurrent Generate calls; Init must complete first.
type Client struct {
	baseURL     string
	accountsURL string
	uploadURL   string
	http        *http.Client

	mu          sync.Mutex
	psid        string
	psidts      string
	accessToken string
	reqID       int64
}

func NewClient(opts Options) (*Client, error) {
	psid := strings.TrimSpace(opts.Secure1PSID)
	psidts := strings.TrimSpace(opts.Secure1PSIDTS)
	if psid == "" || psidts == "" {
		return nil, errors.New("gemini: both session cookies are required")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy := strings.TrimSpace(opts.ProxyURL); proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("gemini: invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	c := &Client{
		baseURL:     strings.TrimRight(firstNonEmpty(opts.BaseURL, defaultBaseURL), "/"),
		accountsURL: strings.TrimRight(firstNonEmpty(opts.AccountsURL, defaultAccountsURL), "/"),
		uploadURL:   firstNonEmpty(opts.UploadURL, defaultUploadURL),
		http: &http.Client{
			Transport: transport,
			Timeout:   5 * time.Minute,
		},
		psid:   psid,
		psidts: psidts,
		reqID:  int64(100000 + time.Now().UnixNano()%800000),
	}
	return c, nil
}

// Init probes the app shell and extracts the SNlM0e access token required
// by every generate call. A missing token with a 200 response means the
// cookies were rejected.
func (c *Client) Init(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/app", nil)
	if err != nil {
		return err
	}
	c.addCookies(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.absorbCookies(resp)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Reason: fmt.Sprintf("app shell returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Endpoint: "init", StatusCode: resp.StatusCode, Body: trimBody(body)}
	}
	m := accessTokenRe.FindSubmatch(body)
	if len(m) < 2 || len(m[1]) == 0 {
		return &AuthError{Reason: "access token not present in app shell, cookies likely expired"}
	}
	c.mu.Lock()
	c.accessToken = string(m[1])
	c.mu.Unlock()
	return nil
}

func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken != ""
}

// Generate sends one prompt and returns the parsed model output.
func (c *Client) Generate(ctx context.Context, greq GenerateRequest) (*ModelOutput, error) {
	c.mu.Lock()
	token := c.accessToken
	reqID := c.reqID
	c.reqID += 100000
	c.mu.Unlock()
	if token == "" {
		return nil, errors.New("gemini: client not initialized")
	}

	payload, err := encodeGeneratePayload(greq)
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"at":    {token},
		"f.req": {payload},
	}
	u := c.baseURL + generatePath + "?bl=boq_assistant-bard-web-server_20250814.07_p0&_reqid=" + strconv.FormatInt(reqID, 10) + "&rt=c"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	if h := greq.Model.Header; h != "" {
		req.Header.Set("x-goog-ext-525001261-jspb", h)
	}
	c.addCookies(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	c.absorbCookies(resp)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Reason: fmt.Sprintf("generate returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Endpoint: "generate", StatusCode: resp.StatusCode, Body: trimBody(body)}
	}
	if looksLikeLoginPage(resp.Header, body) {
		return nil, &AuthError{Reason: "generate redirected to sign-in page"}
	}
	return parseGenerateResponse(body)
}

// RotateCookies asks the accounts endpoint for the current rotating token.
// The backend may reissue __Secure-1PSIDTS or report it unchanged; the
// returned value is whatever is current after the call.
func (c *Client) RotateCookies(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.accountsURL+rotatePath, strings.NewReader(`[000,"-0000000000000000000"]`))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addCookies(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	c.absorbCookies(resp)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &AuthError{Reason: fmt.Sprintf("rotate returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &HTTPError{Endpoint: "rotate", StatusCode: resp.StatusCode, Body: ""}
	}
	return c.RotatingToken(), nil
}

// RotatingToken returns the current __Secure-1PSIDTS value.
func (c *Client) RotatingToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.psidts
}

// UploadFile pushes attachment bytes to the content push service and
// returns the backend file handle referenced from generate payloads.
func (c *Client) UploadFile(ctx context.Context, name string, data []byte) (FileRef, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return FileRef{}, err
	}
	if _, err := fw.Write(data); err != nil {
		return FileRef{}, err
	}
	if err := mw.Close(); err != nil {
		return FileRef{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, &buf)
	if err != nil {
		return FileRef{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Push-ID", uploadPushID)
	c.addCookies(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return FileRef{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return FileRef{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return FileRef{}, &HTTPError{Endpoint: "upload", StatusCode: resp.StatusCode, Body: trimBody(body)}
	}
	id := strings.TrimSpace(string(body))
	if id == "" {
		return FileRef{}, &ProtocolError{Detail: "upload returned empty file id"}
	}
	return FileRef{ID: id, Name: name}, nil
}

func (c *Client) addCookies(req *http.Request) {
	c.mu.Lock()
	psid, psidts := c.psid, c.psidts
	c.mu.Unlock()
	req.AddCookie(&http.Cookie{Name: cookiePSID, Value: psid})
	req.AddCookie(&http.Cookie{Name: cookiePSIDTS, Value: psidts})
}

// absorbCookies picks up a reissued rotating token from any response.
func (c *Client) absorbCookies(resp *http.Response) {
	for _, ck := range resp.Cookies() {
		if ck.Name == cookiePSIDTS && strings.TrimSpace(ck.Value) != "" {
			c.mu.Lock()
			c.psidts = ck.Value
			c.mu.Unlock()
		}
	}
}

func encodeGeneratePayload(greq GenerateRequest) (string, error) {
	var promptSlot any
	if len(greq.Files) > 0 {
		fileParts := make([]any, 0, len(greq.Files))
		for _, f := range greq.Files {
			fileParts = append(fileParts, []any{[]any{f.ID}, f.Name})
		}
		promptSlot = []any{greq.Prompt, 0, nil, fileParts}
	} else {
		promptSlot = []any{greq.Prompt}
	}
	var metadataSlot any
	if len(greq.Metadata) > 0 {
		meta := make([]any, 0, len(greq.Metadata))
		for _, m := range greq.Metadata {
			meta = append(meta, m)
		}
		metadataSlot = meta
	}
	inner, err := jsonMarshal([]any{promptSlot, nil, metadataSlot})
	if err != nil {
		return "", err
	}
	outer, err := jsonMarshal([]any{nil, string(inner)})
	if err != nil {
		return "", err
	}
	return string(outer), nil
}

func looksLikeLoginPage(header http.Header, body []byte) bool {
	ct := strings.ToLower(header.Get("Content-Type"))
	if !strings.Contains(ct, "text/html") {
		return false
	}
	lower := bytes.ToLower(body)
	return bytes.Contains(lower, []byte("accounts.google.com")) || bytes.Contains(lower, []byte("sign in"))
}

func trimBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
