package spamcheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guestbook-social/guestbook/moderation"
	"github.com/guestbook-social/guestbook/util"

	"github.com/carlmjohnson/versioninfo"
	"github.com/google/go-querystring/query"
	"golang.org/x/time/rate"
)

const DefaultAkismetEndpoint = "https://rest.akismet.com/1.1/comment-check"

// Client for the Akismet comment-check API.
//
// API docs: https://akismet.com/developers/detailed-docs/comment-check/
type AkismetClient struct {
	Client   *http.Client
	Endpoint string
	APIKey   string
	// site the comments are posted on (the "blog" parameter)
	SiteURL string
	Lang    string
	// marks requests as tests, which Akismet does not learn from
	IsTest  bool
	Limiter *rate.Limiter
}

var _ moderation.SpamScorer = (*AkismetClient)(nil)

func NewAkismetClient(apiKey, siteURL string, ratePerSec int) *AkismetClient {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	return &AkismetClient{
		Client:   util.RobustHTTPClient(),
		Endpoint: DefaultAkismetEndpoint,
		APIKey:   apiKey,
		SiteURL:  siteURL,
		Lang:     "en",
		Limiter:  rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}
}

// Form body of a comment-check request.
type commentCheck struct {
	APIKey      string `url:"api_key"`
	Blog        string `url:"blog"`
	CommentType string `url:"comment_type"`
	Author      string `url:"comment_author"`
	AuthorEmail string `url:"comment_author_email"`
	Content     string `url:"comment_content"`
	DateGMT     string `url:"comment_date_gmt"`
	BlogLang    string `url:"blog_lang"`
	BlogCharset string `url:"blog_charset"`
	Permalink   string `url:"permalink"`
	UserIP      string `url:"user_ip,omitempty"`
	UserAgent   string `url:"user_agent,omitempty"`
	Referrer    string `url:"referrer,omitempty"`
	IsTest      bool   `url:"is_test,omitempty"`
}

func (a *AkismetClient) form(c *moderation.Comment, mctx moderation.MessageContext) (url.Values, error) {
	return query.Values(commentCheck{
		APIKey:      a.APIKey,
		Blog:        a.SiteURL,
		CommentType: "comment",
		Author:      c.Author,
		AuthorEmail: c.Email,
		Content:     c.Text,
		DateGMT:     c.CreatedAt.UTC().Format(time.RFC3339),
		BlogLang:    a.Lang,
		BlogCharset: "UTF-8",
		Permalink:   mctx.Permalink,
		UserIP:      mctx.UserIP,
		UserAgent:   mctx.UserAgent,
		Referrer:    mctx.Referrer,
		IsTest:      a.IsTest,
	})
}

// Score maps the Akismet verdict onto the moderation score contract: "discard"
// pro-tip is blatant spam (2), "true" is spam (1), "false" is ham (0).
func (a *AkismetClient) Score(ctx context.Context, c *moderation.Comment, mctx moderation.MessageContext) (int, error) {
	start := time.Now()
	score, err := a.score(ctx, c, mctx)
	akismetDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		akismetRequests.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("%w: %w", moderation.ErrScoringUnavailable, err)
	}
	akismetRequests.WithLabelValues(fmt.Sprint(score)).Inc()
	return score, nil
}

func (a *AkismetClient) score(ctx context.Context, c *moderation.Comment, mctx moderation.MessageContext) (int, error) {
	if a.Limiter != nil {
		if err := a.Limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	form, err := a.form(c, mctx)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", fmt.Sprintf("guestbook/%s", versioninfo.Short()))

	resp, err := a.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("akismet request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return 0, fmt.Errorf("reading akismet response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("akismet request failed: status=%d", resp.StatusCode)
	}
	if help := resp.Header.Get("X-Akismet-Debug-Help"); help != "" {
		return 0, fmt.Errorf("unable to check for spam: %s (%s)", strings.TrimSpace(string(body)), help)
	}
	if resp.Header.Get("X-Akismet-Pro-Tip") == "discard" {
		return moderation.ScoreSpam, nil
	}
	switch strings.TrimSpace(string(body)) {
	case "true":
		return moderation.ScoreMaybeSpam, nil
	case "false":
		return moderation.ScoreHam, nil
	default:
		return 0, fmt.Errorf("unexpected akismet response: %q", string(body))
	}
}
