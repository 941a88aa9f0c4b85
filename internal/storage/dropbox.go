package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/worldline-go/klient"
)

const dropboxAPIBaseURL = "https://api.dropboxapi.com"
const dropboxContentBaseURL = "https://content.dropboxapi.com"

// DropboxCredentials are the offline-refresh-token flow inputs; AppKey and
// AppSecret identify the Dropbox app, RefreshToken was issued once during
// the app's authorization flow and never expires.
type DropboxCredentials struct {
	AppKey       string
	AppSecret    string
	RefreshToken string
}

// DropboxAdapter implements Adapter against the Dropbox v2 HTTP API. Access
// tokens are refreshed transparently by the embedded oauth2.TokenSource.
type DropboxAdapter struct {
	tokenSource oauth2.TokenSource
	apiClient   *klient.Client
	content     *http.Client
}

// NewDropboxAdapter builds a DropboxAdapter from offline-refresh-token
// credentials. The token source caches the access token and refreshes it
// automatically before expiry (oauth2.ReuseTokenSource's standard behavior).
func NewDropboxAdapter(creds DropboxCredentials) (*DropboxAdapter, error) {
	if creds.RefreshToken == "" {
		return nil, fmt.Errorf("dropbox refresh token is required")
	}

	cfg := &oauth2.Config{
		ClientID:     creds.AppKey,
		ClientSecret: creds.AppSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: dropboxAPIBaseURL + "/oauth2/token",
		},
	}

	ts := oauth2.ReuseTokenSource(nil, cfg.TokenSource(context.Background(), &oauth2.Token{
		RefreshToken: creds.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute), // force an immediate refresh
	}))

	apiClient, err := klient.New(
		klient.WithBaseURL(dropboxAPIBaseURL),
		klient.WithLogger(slog.Default()),
	)
	if err != nil {
		return nil, fmt.Errorf("create dropbox api client: %w", err)
	}

	return &DropboxAdapter{
		tokenSource: ts,
		apiClient:   apiClient,
		content:     http.DefaultClient,
	}, nil
}

func (d *DropboxAdapter) authHeader(ctx context.Context) (string, error) {
	tok, err := d.tokenSource.Token()
	if err != nil {
		return "", &Error{Kind: KindAuth, Detail: "refresh access token", Err: err}
	}
	_ = ctx
	return "Bearer " + tok.AccessToken, nil
}

type dropboxMetadata struct {
	Tag         string `json:".tag"`
	Name        string `json:"name"`
	ContentHash string `json:"content_hash"`
}

type listFolderResponse struct {
	Entries []dropboxMetadata `json:"entries"`
	HasMore bool              `json:"has_more"`
	Cursor  string            `json:"cursor"`
}

func (d *DropboxAdapter) ListImages(ctx context.Context, folder string) ([]string, error) {
	hashes, err := d.ListImagesWithHashes(ctx, folder)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(hashes))
	for i, h := range hashes {
		names[i] = h.Filename
	}

	return names, nil
}

func (d *DropboxAdapter) ListImagesWithHashes(ctx context.Context, folder string) ([]ImageHash, error) {
	var all []ImageHash

	body, err := d.rpc(ctx, "/2/files/list_folder", map[string]any{
		"path": dropboxPath(folder),
	})
	if err != nil {
		return nil, err
	}

	var resp listFolderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: KindTransient, Detail: "decode list_folder response", Err: err}
	}

	for {
		for _, e := range resp.Entries {
			if e.Tag == "file" && IsSupportedImage(e.Name) {
				all = append(all, ImageHash{Filename: e.Name, ContentHash: e.ContentHash})
			}
		}

		if !resp.HasMore {
			break
		}

		body, err = d.rpc(ctx, "/2/files/list_folder/continue", map[string]any{"cursor": resp.Cursor})
		if err != nil {
			return nil, err
		}
		resp = listFolderResponse{}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, &Error{Kind: KindTransient, Detail: "decode list_folder/continue response", Err: err}
		}
	}

	return all, nil
}

func (d *DropboxAdapter) Download(ctx context.Context, folder, filename string) ([]byte, error) {
	return d.downloadContent(ctx, "/2/files/download", map[string]any{"path": dropboxPath(folder, filename)})
}

type tempLinkResponse struct {
	Link string `json:"link"`
}

func (d *DropboxAdapter) TempLink(ctx context.Context, folder, filename string) (string, error) {
	body, err := d.rpc(ctx, "/2/files/get_temporary_link", map[string]any{"path": dropboxPath(folder, filename)})
	if err != nil {
		return "", err
	}

	var resp tempLinkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &Error{Kind: KindTransient, Detail: "decode get_temporary_link response", Err: err}
	}

	return resp.Link, nil
}

func (d *DropboxAdapter) WriteSidecarText(ctx context.Context, folder, basename, text string) error {
	return d.upload(ctx, dropboxPath(folder, basename+".txt"), []byte(text))
}

func (d *DropboxAdapter) ReadFile(ctx context.Context, folder, filename string) ([]byte, error) {
	return d.downloadContent(ctx, "/2/files/download", map[string]any{"path": dropboxPath(folder, filename)})
}

func (d *DropboxAdapter) WriteFile(ctx context.Context, folder, filename string, data []byte) error {
	return d.upload(ctx, dropboxPath(folder, filename), data)
}

func (d *DropboxAdapter) EnsureFolder(ctx context.Context, folder string) error {
	_, err := d.rpc(ctx, "/2/files/create_folder_v2", map[string]any{"path": dropboxPath(folder)})
	if err != nil {
		var se *Error
		if asStorageError(err, &se) && strings.Contains(se.Detail, "path/conflict") {
			return nil
		}
		return err
	}

	return nil
}

func (d *DropboxAdapter) MoveWithSidecars(ctx context.Context, folder, filename, targetSubfolder string) error {
	if err := d.EnsureFolder(ctx, folder+"/"+targetSubfolder); err != nil {
		return err
	}

	src := dropboxPath(folder, filename)
	dst := dropboxPath(folder+"/"+targetSubfolder, filename)
	if _, err := d.rpc(ctx, "/2/files/move_v2", map[string]any{"from_path": src, "to_path": dst}); err != nil {
		return err
	}

	sidecarName := stemOf(filename) + ".txt"
	sidecarSrc := dropboxPath(folder, sidecarName)
	sidecarDst := dropboxPath(folder+"/"+targetSubfolder, sidecarName)
	if _, err := d.rpc(ctx, "/2/files/move_v2", map[string]any{"from_path": sidecarSrc, "to_path": sidecarDst}); err != nil {
		var se *Error
		if asStorageError(err, &se) && se.Kind == KindNotFound {
			// Missing sidecar is not an error; the image move is authoritative.
			return nil
		}
		return err
	}

	return nil
}

func stemOf(filename string) string {
	if idx := strings.LastIndex(filename, "."); idx >= 0 {
		return filename[:idx]
	}
	return filename
}

func dropboxPath(parts ...string) string {
	folder := strings.Trim(parts[0], "/")
	if len(parts) == 1 {
		if folder == "" {
			return ""
		}
		return "/" + folder
	}
	return "/" + folder + "/" + parts[1]
}

// rpc performs an RPC-style Dropbox API call (JSON body, JSON response)
// against the api.dropboxapi.com endpoint via klient, which retries 5xx
// responses itself, and normalizes the result to a storage Error on failure.
func (d *DropboxAdapter) rpc(ctx context.Context, path string, payload map[string]any) ([]byte, error) {
	authz, err := d.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Detail: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authz)

	var respBody []byte
	var statusCode int
	if err := d.apiClient.Do(req, func(resp *http.Response) error {
		statusCode = resp.StatusCode
		b, err := io.ReadAll(resp.Body)
		respBody = b
		return err
	}); err != nil {
		return nil, &Error{Kind: KindTransient, Detail: "request failed", Err: err}
	}

	return respBody, classifyStatus(statusCode, respBody)
}

// classifyStatus normalizes a Dropbox HTTP status code into a storage
// Error, or returns nil for a successful 200.
func classifyStatus(statusCode int, body []byte) error {
	switch {
	case statusCode == http.StatusOK:
		return nil
	case statusCode == http.StatusNotFound || statusCode == http.StatusConflict:
		return &Error{Kind: KindNotFound, Detail: string(body)}
	case statusCode == http.StatusUnauthorized:
		return &Error{Kind: KindAuth, Detail: string(body)}
	case statusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Detail: string(body)}
	case statusCode >= 500:
		return &Error{Kind: KindTransient, Detail: string(body)}
	default:
		return &Error{Kind: KindPermanent, Detail: string(body)}
	}
}

func (d *DropboxAdapter) downloadContent(ctx context.Context, path string, args map[string]any) ([]byte, error) {
	argsJSON, _ := json.Marshal(args)

	return d.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, dropboxContentBaseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Dropbox-API-Arg", string(argsJSON))
		return req, nil
	})
}

func (d *DropboxAdapter) upload(ctx context.Context, path string, content []byte) error {
	arg, _ := json.Marshal(map[string]any{"path": path, "mode": "overwrite"})

	_, err := d.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, dropboxContentBaseURL+"/2/files/upload", bytes.NewReader(content))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Dropbox-API-Arg", string(arg))
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	})

	return err
}

// doWithRetry executes buildReq up to 3 times with exponential backoff on
// 5xx responses, rate limiting, and transient network errors.
func (d *DropboxAdapter) doWithRetry(ctx context.Context, buildReq func() (*http.Request, error)) ([]byte, error) {
	const maxAttempts = 3

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 250 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, retryable, err := d.attempt(ctx, buildReq)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, lastErr
}

func (d *DropboxAdapter) attempt(ctx context.Context, buildReq func() (*http.Request, error)) (body []byte, retryable bool, err error) {
	authz, err := d.authHeader(ctx)
	if err != nil {
		return nil, false, err
	}

	req, err := buildReq()
	if err != nil {
		return nil, false, &Error{Kind: KindPermanent, Detail: "build request", Err: err}
	}
	req.Header.Set("Authorization", authz)

	resp, err := d.content.Do(req)
	if err != nil {
		return nil, true, &Error{Kind: KindTransient, Detail: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, true, &Error{Kind: KindTransient, Detail: "read response", Err: readErr}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return respBody, false, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict:
		return nil, false, &Error{Kind: KindNotFound, Detail: string(respBody)}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, false, &Error{Kind: KindAuth, Detail: string(respBody)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, &Error{Kind: KindRateLimited, Detail: string(respBody)}
	case resp.StatusCode >= 500:
		return nil, true, &Error{Kind: KindTransient, Detail: string(respBody)}
	default:
		return nil, false, &Error{Kind: KindPermanent, Detail: string(respBody)}
	}
}
