package s3

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	fakeEndpoint = "https://fake.s3.local"
	metaPrefix   = "X-Amz-Meta-"
)

// Fake is an in-process S3 subset (Put/Get/Head/Delete/ListObjectsV2) served
// through an http.RoundTripper so the real SDK client can be exercised
// without network access.
type Fake struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	pageSize int
	requests []string
}

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

// NewFake returns a store wired to a fresh Fake. pageSize bounds ListObjectsV2
// pages; zero means unbounded.
func NewFake(ctx context.Context, pageSize int) (*Store, *Fake, error) {
	fake := &Fake{objects: make(map[string]fakeObject), pageSize: pageSize}
	store, err := New(ctx, Config{
		Bucket:          "isocore-raw",
		Region:          DefaultRegion,
		Endpoint:        fakeEndpoint,
		AccessKeyID:     "AKIAFAKE",
		SecretAccessKey: "fake-secret",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: fake},
	})
	if err != nil {
		return nil, nil, err
	}
	return store, fake, nil
}

// Requests returns the method and path of every request served.
func (f *Fake) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// Len returns the number of stored objects.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *Fake) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req.Method+" "+req.URL.Path)
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	switch {
	case req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2":
		return f.list(req), nil
	case req.Method == http.MethodPut:
		return f.put(req, key)
	case req.Method == http.MethodHead, req.Method == http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			if req.Method == http.MethodHead {
				return response(http.StatusNotFound, nil, nil), nil
			}
			return response(http.StatusNotFound, nil, errorBody("NoSuchKey")), nil
		}
		h := http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Last-Modified":  {obj.modified.Format(http.TimeFormat)},
			"Etag":           {`"fake"`},
		}
		for k, v := range obj.metadata {
			h.Set(metaPrefix+k, v)
		}
		var body []byte
		if req.Method == http.MethodGet {
			body = obj.body
		}
		return response(http.StatusOK, h, body), nil
	case req.Method == http.MethodDelete:
		delete(f.objects, key)
		return response(http.StatusNoContent, nil, nil), nil
	}
	return response(http.StatusNotImplemented, nil, nil), nil
}

func (f *Fake) put(req *http.Request, key string) (*http.Response, error) {
	if _, exists := f.objects[key]; exists && req.Header.Get("If-None-Match") == "*" {
		return response(http.StatusPreconditionFailed, nil, errorBody("PreconditionFailed")), nil
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") || req.Header.Get("X-Amz-Decoded-Content-Length") != "" {
		if raw, err = decodeChunked(raw); err != nil {
			return response(http.StatusBadRequest, nil, errorBody("InvalidRequest")), nil
		}
	}
	meta := make(map[string]string)
	for k, v := range req.Header {
		if len(k) > len(metaPrefix) && strings.EqualFold(k[:len(metaPrefix)], metaPrefix) && len(v) > 0 {
			meta[strings.ToLower(k[len(metaPrefix):])] = v[0]
		}
	}
	f.objects[key] = fakeObject{
		body:        raw,
		contentType: req.Header.Get("Content-Type"),
		metadata:    meta,
		modified:    time.Now().UTC().Truncate(time.Second),
	}
	return response(http.StatusOK, http.Header{"Etag": {`"fake"`}}, nil), nil
}

func (f *Fake) list(req *http.Request) *http.Response {
	q := req.URL.Query()
	prefix := q.Get("prefix")
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if token := q.Get("continuation-token"); token != "" {
		idx := sort.SearchStrings(keys, token)
		keys = keys[idx:]
	}
	next := ""
	if f.pageSize > 0 && len(keys) > f.pageSize {
		next = keys[f.pageSize]
		keys = keys[:f.pageSize]
	}
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult>`)
	fmt.Fprintf(&b, "<IsTruncated>%t</IsTruncated><KeyCount>%d</KeyCount>", next != "", len(keys))
	if next != "" {
		fmt.Fprintf(&b, "<NextContinuationToken>%s</NextContinuationToken>", next)
	}
	for _, k := range keys {
		obj := f.objects[k]
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>%s</LastModified></Contents>",
			k, len(obj.body), obj.modified.Format(time.RFC3339))
	}
	b.WriteString("</ListBucketResult>")
	return response(http.StatusOK, http.Header{"Content-Type": {"application/xml"}}, []byte(b.String()))
}

// decodeChunked strips aws-chunked framing: "<hex>[;ext]\r\n<data>\r\n" repeated
// until a zero sized chunk, optionally followed by trailers.
func decodeChunked(raw []byte) ([]byte, error) {
	r := bufio.NewReader(bytes.NewReader(raw))
	var out bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		n, err := strconv.ParseInt(line, 16, 64)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, r, n); err != nil {
			return nil, err
		}
		if _, err := r.Discard(2); err != nil {
			return nil, err
		}
	}
}

func errorBody(code string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>` + code + `</Code><Message>` + code + `</Message></Error>`)
}

func response(status int, h http.Header, body []byte) *http.Response {
	if h == nil {
		h = http.Header{}
	}
	if _, ok := h["Content-Type"]; !ok && body != nil {
		h.Set("Content-Type", "application/xml")
	}
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

var _ http.RoundTripper = (*Fake)(nil)
