package enrich_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadmark-worker/internal/enrich"
)

const pricingPage = `<!doctype html>
<html><head><title> Pricing | Acme </title><script>var x = 1;</script></head>
<body>
<nav><a href="/">Home</a></nav>
<main>
<h1>Plans</h1>
<p>The <strong>Pro</strong> plan costs $10 per seat.</p>
<a href="/signup">Sign up</a>
</main>
<footer>© Acme</footer>
</body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/pricing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, pricingPage)
	})
	mux.HandleFunc("/file.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		io.WriteString(w, "%PDF-1.4")
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch(t *testing.T) {
	srv := newSite(t)
	f := enrich.NewFetcher(enrich.Config{}, srv.Client(), nil)

	page, err := f.Fetch(context.Background(), srv.URL+"/pricing")
	require.NoError(t, err)

	assert.Equal(t, "Pricing | Acme", page.Title)
	assert.Contains(t, page.Markdown, "# Plans")
	assert.Contains(t, page.Markdown, "**Pro**")
	assert.Contains(t, page.Markdown, "("+srv.URL+"/signup)")
	assert.NotContains(t, page.Markdown, "var x")
	assert.NotContains(t, page.Markdown, "Home")
	assert.NotContains(t, page.Markdown, "© Acme")
}

func TestFetch_Rejects(t *testing.T) {
	srv := newSite(t)
	f := enrich.NewFetcher(enrich.Config{}, srv.Client(), nil)
	ctx := context.Background()

	for _, u := range []string{srv.URL + "/gone", srv.URL + "/file.pdf", "ftp://example.com/x", "not a url"} {
		_, err := f.Fetch(ctx, u)
		assert.Error(t, err, u)
	}
}

func TestEnrich_SkipsFailuresAndCaps(t *testing.T) {
	srv := newSite(t)
	f := enrich.NewFetcher(enrich.Config{MaxPages: 1, RequestsPerSec: 100}, srv.Client(), nil)

	links := f.Enrich(context.Background(), []string{
		srv.URL + "/gone",
		srv.URL + "/pricing",
		srv.URL + "/pricing?again=1",
	})
	require.Len(t, links, 1)
	assert.Equal(t, srv.URL+"/pricing", links[0].URL)
}

func TestEnrich_TruncatesMarkdown(t *testing.T) {
	srv := newSite(t)
	f := enrich.NewFetcher(enrich.Config{MaxMarkdown: 10}, srv.Client(), nil)

	links := f.Enrich(context.Background(), []string{srv.URL + "/pricing"})
	require.Len(t, links, 1)
	assert.True(t, strings.HasSuffix(links[0].Markdown, "…"))
	assert.Equal(t, 11, len([]rune(links[0].Markdown)))
}

func TestEnrich_CancelledContext(t *testing.T) {
	srv := newSite(t)
	f := enrich.NewFetcher(enrich.Config{}, srv.Client(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, f.Enrich(ctx, []string{srv.URL + "/pricing"}))
}

func TestFetch_DefaultClientRefusesInternalAddresses(t *testing.T) {
	srv := newSite(t)
	f := enrich.NewFetcher(enrich.Config{RequestsPerSec: 100}, nil, nil)

	_, err := f.Fetch(context.Background(), srv.URL+"/pricing")
	assert.ErrorIs(t, err, enrich.ErrBlockedAddress)

	for _, u := range []string{
		srv.URL + "/latest/meta-data/iam",
		"http://169.254.169.254/latest/meta-data/",
		"http://10.0.0.1/",
	} {
		_, err := f.Fetch(context.Background(), u)
		assert.ErrorIs(t, err, enrich.ErrBlockedAddress, u)
	}

	assert.Empty(t, f.Enrich(context.Background(), []string{srv.URL + "/pricing"}))
}

func TestNewClient_StopsRedirectLoops(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	client := enrich.NewClient(time.Second, 2)
	// the loopback test server needs the plain transport
	client.Transport = srv.Client().Transport

	resp, err := client.Get(srv.URL + "/start")
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 2 redirects")
	assert.Equal(t, int32(3), hits.Load())
}
