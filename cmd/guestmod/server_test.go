package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/guestbook-social/guestbook/moderation"
	"github.com/guestbook-social/guestbook/queue"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "test-admin-token"

func testServer(t *testing.T, opts ...func(*Config)) (*Server, *queue.MemQueue) {
	config := Config{
		PublicURL:    "https://guestbook.example.com",
		PhotoDir:     t.TempDir(),
		AdminToken:   testAdminToken,
		RetryBackoff: time.Millisecond,
	}
	for _, o := range opts {
		o(&config)
	}
	srv, err := NewServer(config)
	require.NoError(t, err)

	mq, ok := srv.consumer.(*queue.MemQueue)
	require.True(t, ok)
	ctx, cancel := context.WithCancel(context.Background())
	mq.Start(ctx, srv.worker.Handle)
	t.Cleanup(func() {
		mq.Shutdown()
		cancel()
	})
	return srv, mq
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body, out any) int {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "guestbook-test")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if out != nil && rec.Code < 400 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestHealthCheck(t *testing.T) {
	srv, _ := testServer(t)
	var status GenericStatus
	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/_health", "", nil, &status))
	assert.Equal(t, "ok", status.Status)
}

func TestCommentLifecycle(t *testing.T) {
	assert := assert.New(t)
	srv, mq := testServer(t)

	var created CommentView
	code := doJSON(t, srv, http.MethodPost, "/api/comments", "", SubmitCommentRequest{
		Item:      "amsterdam-2019",
		Author:    "Fabien",
		Email:     "fabien@example.com",
		Text:      "Great talks!",
		Permalink: "https://guestbook.example.com/conference/amsterdam-2019",
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal("submitted", created.State)
	require.NotZero(t, created.ID)
	mq.WaitIdle()

	path := fmt.Sprintf("/admin/comments/%d", created.ID)
	var shown CommentView
	assert.Equal(http.StatusOK, doJSON(t, srv, http.MethodGet, path, testAdminToken, nil, &shown))
	assert.Equal("ham", shown.State)
	assert.Nil(shown.OptimizedAt)

	// admin endpoints need the token
	assert.Equal(http.StatusForbidden, doJSON(t, srv, http.MethodGet, path, "", nil, nil))
	assert.Equal(http.StatusForbidden, doJSON(t, srv, http.MethodGet, path, "wrong", nil, nil))

	var reviewed CommentView
	assert.Equal(http.StatusOK, doJSON(t, srv, http.MethodPost, path+"/review", testAdminToken, nil, &reviewed))
	assert.Equal("published", reviewed.State)
	mq.WaitIdle()

	assert.Equal(http.StatusOK, doJSON(t, srv, http.MethodGet, path, testAdminToken, nil, &shown))
	assert.Equal("published", shown.State)
	assert.NotNil(shown.OptimizedAt)

	// a second review is a conflict, not a failure
	assert.Equal(http.StatusConflict, doJSON(t, srv, http.MethodPost, path+"/review", testAdminToken, nil, nil))

	var dead []queue.DeadLetter
	assert.Equal(http.StatusOK, doJSON(t, srv, http.MethodGet, "/admin/dead-letters", testAdminToken, nil, &dead))
	assert.Empty(dead)
}

func TestSubmitValidation(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t)

	assert.Equal(http.StatusBadRequest, doJSON(t, srv, http.MethodPost, "/api/comments", "", SubmitCommentRequest{
		Item:   "amsterdam-2019",
		Author: "Fabien",
		Text:   "no email",
	}, nil))
	assert.Equal(http.StatusBadRequest, doJSON(t, srv, http.MethodGet, "/admin/comments/abc", testAdminToken, nil, nil))
	assert.Equal(http.StatusNotFound, doJSON(t, srv, http.MethodGet, "/admin/comments/999", testAdminToken, nil, nil))
	assert.Equal(http.StatusNotFound, doJSON(t, srv, http.MethodPost, "/admin/comments/999/review", testAdminToken, nil, nil))
}

func TestSubmitWithPhoto(t *testing.T) {
	assert := assert.New(t)
	srv, mq := testServer(t)

	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(400, 300, color.NRGBA{B: 255, A: 255}), imaging.PNG))

	var created CommentView
	code := doJSON(t, srv, http.MethodPost, "/api/comments", "", SubmitCommentRequest{
		Item:      "paris-2020",
		Author:    "Lucas",
		Email:     "lucas@example.com",
		Text:      "See you next year",
		PhotoName: "Me At The Booth.PNG",
		Photo:     buf.Bytes(),
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.Regexp(`^[0-9a-f]{12}\.png$`, created.PhotoFilename)
	mq.WaitIdle()

	path := fmt.Sprintf("/admin/comments/%d", created.ID)
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, path+"/review", testAdminToken, nil, nil))
	mq.WaitIdle()

	img, err := imaging.Open(filepath.Join(srv.photoDir, created.PhotoFilename))
	require.NoError(t, err)
	assert.Equal(200, img.Bounds().Dx())
	assert.Equal(150, img.Bounds().Dy())

	var shown CommentView
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, path, testAdminToken, nil, &shown))
	assert.Equal(created.PhotoFilename, shown.PhotoFilename)
}

func TestSubmitRateLimit(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t, func(c *Config) { c.SubmitRateLimit = 2 })

	for i := 0; i < 2; i++ {
		assert.Equal(http.StatusCreated, doJSON(t, srv, http.MethodPost, "/api/comments", "", fakeComment(), nil))
	}
	assert.Equal(http.StatusTooManyRequests, doJSON(t, srv, http.MethodPost, "/api/comments", "", fakeComment(), nil))
}

func TestMachineTree(t *testing.T) {
	out := machineTree(moderation.DefaultMachine).String()
	assert.Contains(t, out, "submitted")
	assert.Contains(t, out, "accept -> ham")
	assert.Contains(t, out, "spam (terminal)")
	assert.Contains(t, out, "optimize -> published_ham")
}

func TestNormalizePermalink(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("https://guestbook.example.com/conference/amsterdam-2019", normalizePermalink("HTTPS://Guestbook.Example.com:443/conference/amsterdam-2019#comments"))
	assert.Equal("", normalizePermalink(""))
}

func submitFrom(t *testing.T, srv *Server, remoteAddr, forwardedFor string) int {
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(fakeComment()))
	req := httptest.NewRequest(http.MethodPost, "/api/comments", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec.Code
}

func TestSubmitRateLimitIgnoresForwardedFor(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t, func(c *Config) { c.SubmitRateLimit = 1 })

	codes := []int{}
	for _, xff := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		codes = append(codes, submitFrom(t, srv, "203.0.113.9:4321", xff))
	}
	assert.Equal([]int{http.StatusCreated, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}

func TestSubmitRateLimitTrustedProxy(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(t, func(c *Config) {
		c.SubmitRateLimit = 1
		c.TrustForwardedFor = true
	})

	// clients behind the (private network) proxy are told apart
	assert.Equal(http.StatusCreated, submitFrom(t, srv, "10.0.0.2:4321", "198.51.100.1"))
	assert.Equal(http.StatusCreated, submitFrom(t, srv, "10.0.0.2:4321", "198.51.100.2"))
	assert.Equal(http.StatusTooManyRequests, submitFrom(t, srv, "10.0.0.2:4321", "198.51.100.1"))
}

func TestRestartRedrivesUnsettledComments(t *testing.T) {
	assert := assert.New(t)
	dbURL := "sqlite://" + filepath.Join(t.TempDir(), "guestbook.db")

	// first instance accepts the comment, then goes away before its queue runs
	first, err := NewServer(Config{
		DatabaseURL: dbURL,
		PublicURL:   "https://guestbook.example.com",
		PhotoDir:    t.TempDir(),
		AdminToken:  testAdminToken,
	})
	require.NoError(t, err)
	var created CommentView
	require.Equal(t, http.StatusCreated, doJSON(t, first, http.MethodPost, "/api/comments", "", fakeComment(), &created))

	srv, mq := testServer(t, func(c *Config) { c.DatabaseURL = dbURL })
	path := fmt.Sprintf("/admin/comments/%d", created.ID)
	var shown CommentView
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, path, testAdminToken, nil, &shown))
	assert.Equal("submitted", shown.State)

	var result RequeueResult
	assert.Equal(http.StatusOK, doJSON(t, srv, http.MethodPost, "/admin/redrive", testAdminToken, nil, &result))
	assert.Equal(1, result.Requeued)
	mq.WaitIdle()

	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, path, testAdminToken, nil, &shown))
	assert.Equal("ham", shown.State)

	// a comment waiting for review stays unsettled until it is published and optimized
	n, err := srv.redriver.Redrive(context.Background())
	require.NoError(t, err)
	assert.Equal(1, n)
	mq.WaitIdle()
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, path+"/review", testAdminToken, nil, nil))
	mq.WaitIdle()
	n, err = srv.redriver.Redrive(context.Background())
	require.NoError(t, err)
	assert.Equal(0, n)
}
