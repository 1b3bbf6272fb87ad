package r2s3

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	sigV4Algorithm = "AWS4-HMAC-SHA256"
	sigV4Region    = "auto"
	sigV4Service   = "s3"
)

// ErrInvalidKey is returned for object keys that are empty or climb out of
// the bucket root.
var ErrInvalidKey = errors.New("invalid object key")

// PutError is a non-2xx answer from the bucket.
type PutError struct {
	Key    string
	Status int
	Body   string
}

func (e *PutError) Error() string {
	return fmt.Sprintf("put %s: status=%d: %s", e.Key, e.Status, e.Body)
}

// Retryable reports whether the bucket may accept the same request later.
func (e *PutError) Retryable() bool {
	return e.Status == http.StatusRequestTimeout ||
		e.Status == http.StatusTooManyRequests ||
		e.Status >= 500
}

// Retryable classifies a PutFile error. Bad keys, missing local files and
// 4xx answers other than 408/429 are permanent; transport errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *PutError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	switch {
	case errors.Is(err, ErrInvalidKey),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Client uploads journal files to an S3-compatible bucket with SigV4
// path-style requests.
type Client struct {
	endpoint string
	bucket   string
	signer   signer
	http     *http.Client
	now      func() time.Time
}

// New normalizes a bare host endpoint to https.
func New(endpoint, bucket, accessKeyID, secretAccessKey string) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	bucket = strings.Trim(strings.TrimSpace(bucket), "/")
	accessKeyID = strings.TrimSpace(accessKeyID)
	secretAccessKey = strings.TrimSpace(secretAccessKey)
	if endpoint == "" || bucket == "" || accessKeyID == "" || secretAccessKey == "" {
		return nil, fmt.Errorf("endpoint/bucket/access key/secret key are required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint: %s", endpoint)
	}
	return &Client{
		endpoint: strings.TrimRight(u.String(), "/"),
		bucket:   bucket,
		signer:   signer{keyID: accessKeyID, secret: secretAccessKey, region: sigV4Region, service: sigV4Service},
		http:     &http.Client{Timeout: 2 * time.Minute},
		now:      time.Now,
	}, nil
}

// PutFile uploads localPath as objectKey. Journal segments are stored with
// content headers that let readers decompress them on the fly.
func (c *Client) PutFile(ctx context.Context, objectKey, localPath string) error {
	key := cleanKey(objectKey)
	if key == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, objectKey)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("path is directory: %s", localPath)
	}
	sum, err := digest(f)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint+"/"+c.bucket+"/"+escapePath(key), f)
	if err != nil {
		return err
	}
	req.ContentLength = st.Size()
	ctype, cenc := contentHeaders(key)
	req.Header.Set("Content-Type", ctype)
	if cenc != "" {
		req.Header.Set("Content-Encoding", cenc)
	}
	c.signer.sign(req, sum, c.now().UTC())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	return &PutError{Key: key, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// contentHeaders maps the journal file naming to Content-Type and
// Content-Encoding.
func contentHeaders(key string) (ctype, encoding string) {
	switch {
	case strings.HasSuffix(key, ".jsonl.zst"):
		return "application/x-ndjson", "zstd"
	case strings.HasSuffix(key, ".jsonl"):
		return "application/x-ndjson", ""
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd", ""
	}
	return "application/octet-stream", ""
}

func cleanKey(key string) string {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	if strings.Trim(key, "/") == "" {
		return ""
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." || strings.HasPrefix(key, "../") {
		return ""
	}
	return clean
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return strings.Join(parts, "/")
}

func digest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// signer signs requests with AWS SigV4. Every header already set on the
// request is signed along with host and the x-amz-* headers it adds.
type signer struct {
	keyID   string
	secret  string
	region  string
	service string
}

func (s signer) sign(req *http.Request, payloadHash string, at time.Time) {
	amzDate := at.Format("20060102T150405Z")
	day := at.Format("20060102")
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("x-amz-date", amzDate)

	values := map[string]string{"host": req.URL.Host}
	for name, v := range req.Header {
		values[strings.ToLower(name)] = strings.TrimSpace(strings.Join(v, ","))
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	var canonical strings.Builder
	for _, name := range names {
		canonical.WriteString(name + ":" + values[name] + "\n")
	}
	signed := strings.Join(names, ";")

	canonicalRequest := strings.Join([]string{
		req.Method,
		req.URL.EscapedPath(),
		req.URL.RawQuery,
		canonical.String(),
		signed,
		payloadHash,
	}, "\n")
	scope := day + "/" + s.region + "/" + s.service + "/aws4_request"
	sum := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := sigV4Algorithm + "\n" + amzDate + "\n" + scope + "\n" + hex.EncodeToString(sum[:])

	key := hmacSHA256([]byte("AWS4"+s.secret), []byte(day))
	for _, part := range []string{s.region, s.service, "aws4_request"} {
		key = hmacSHA256(key, []byte(part))
	}
	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigV4Algorithm, s.keyID, scope, signed, hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write(data)
	return h.Sum(nil)
}
