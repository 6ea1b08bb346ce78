// Package feed talks to the upstream feed aggregator: JSON article
// listings with an Atom/RSS fallback, normalized into a single shape.
package feed

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"genesis-connector/internal/task"
)

const userAgent = "Genesis-Connector/1.0.0"

const (
	maxRetries   = 3
	retryBackoff = time.Second
)

// Article is the normalized upstream article.
type Article struct {
	ID          string
	Title       string
	URL         string
	MPName      string
	MPID        string
	Description string
	Priority    int
	PublishTime int64 // unix seconds
}

// Client is the feed aggregator client. Safe for concurrent use.
type Client struct {
	baseURL string
	hc      *http.Client
	logger  *slog.Logger
}

// NewClient builds a client for the aggregator at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// retryableStatus mirrors the aggregator's flaky responses worth retrying.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// get fetches a URL with bounded retries on transient statuses. The caller
// owns the returned body.
func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff << (attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, task.Wrap(task.KindInvalid, "feed.get", err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if retryableStatus(resp.StatusCode) {
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, task.Wrap(task.KindTransient, "feed.get", lastErr)
}

// RecentArticles fetches articles published within the window. A missing
// or unhappy endpoint yields an empty slice so callers can fall back to
// the full feed.
func (c *Client) RecentArticles(ctx context.Context, window time.Duration, limit int) ([]Article, error) {
	since := time.Now().Add(-window).UnixMilli()
	u := fmt.Sprintf("%s/articles/recent.json?%s", c.baseURL, url.Values{
		"since": {strconv.FormatInt(since, 10)},
		"limit": {strconv.Itoa(limit)},
	}.Encode())

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Recent articles endpoint unavailable", "status", resp.StatusCode)
		return nil, nil
	}

	var raw []rawArticle
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, task.Wrap(task.KindParse, "feed.recent", err)
	}
	return normalizeAll(raw), nil
}

// AllArticles fetches the whole corpus from the Atom endpoint. limit <= 0
// requests everything.
func (c *Client) AllArticles(ctx context.Context, limit int) ([]Article, error) {
	if limit <= 0 {
		limit = 10000
	}
	u := fmt.Sprintf("%s/feeds/all.atom?limit=%d", c.baseURL, limit)

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, task.Errorf(task.ClassifyStatus(resp.StatusCode), "feed.all",
			"status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, task.Wrap(task.KindTransient, "feed.all", err)
	}
	articles, err := parseFeedXML(body)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Parsed feed corpus", "articles", len(articles))
	return articles, nil
}

// FeedArticles fetches one feed's articles, probing the endpoint variants
// the aggregator has shipped over time.
func (c *Client) FeedArticles(ctx context.Context, feedID string, limit int) ([]Article, error) {
	endpoints := []string{
		"/feeds/" + feedID + "/articles.json",
		"/feeds/" + feedID + ".json",
		"/api/feeds/" + feedID + "/articles",
	}

	for _, ep := range endpoints {
		u := fmt.Sprintf("%s%s?limit=%d", c.baseURL, ep, limit)
		resp, err := c.get(ctx, u)
		if err != nil {
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			continue
		}

		var raw []rawArticle
		err = json.NewDecoder(resp.Body).Decode(&raw)
		resp.Body.Close()
		if err != nil {
			return nil, task.Wrap(task.KindParse, "feed.feed", err)
		}
		return normalizeAll(raw), nil
	}

	c.logger.Warn("No working endpoint for feed", "feed_id", feedID)
	return nil, nil
}

// ArticleDetail fetches one article, nil when the aggregator has no record.
func (c *Client) ArticleDetail(ctx context.Context, articleID string) (*Article, error) {
	resp, err := c.get(ctx, c.baseURL+"/articles/"+articleID+".json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var raw rawArticle
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, task.Wrap(task.KindParse, "feed.detail", err)
	}
	a := raw.normalize()
	if a == nil {
		return nil, nil
	}
	return a, nil
}

// Health reports whether the aggregator responds at its root. Redirects
// count as healthy.
func (c *Client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusFound
}

// ============= Normalization =============

// flexString tolerates upstream fields that flip between string and number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(b)
	return nil
}

type feedInfo struct {
	MPName flexString `json:"mp_name"`
	MPID   flexString `json:"mp_id"`
}

// rawArticle accepts every field spelling the aggregator has used.
type rawArticle struct {
	ID        flexString `json:"id"`
	ArticleID flexString `json:"article_id"`
	Title     string     `json:"title"`
	Link      string     `json:"link"`
	URL       string     `json:"url"`

	MPName   flexString `json:"mp_name"`
	MPID     flexString `json:"mp_id"`
	FeedInfo feedInfo   `json:"feed_info"`
	FeedID   flexString `json:"feed_id"`
	Author   string     `json:"author"`

	Description string     `json:"description"`
	Priority    flexString `json:"priority"`

	PublishTime json.RawMessage `json:"publish_time"`
	PubDate     json.RawMessage `json:"pubDate"`
	Published   json.RawMessage `json:"published"`
	Updated     json.RawMessage `json:"updated"`
	Date        json.RawMessage `json:"date"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

func normalizeAll(raw []rawArticle) []Article {
	out := make([]Article, 0, len(raw))
	for _, r := range raw {
		if a := r.normalize(); a != nil {
			out = append(out, *a)
		}
	}
	return out
}

// normalize resolves identity, publisher and publish time. Articles with
// no usable URL are dropped.
func (r *rawArticle) normalize() *Article {
	link := r.Link
	if link == "" {
		link = r.URL
	}
	if link == "" {
		return nil
	}

	return &Article{
		ID:          SynthesizeID(string(first(r.ID, r.ArticleID)), link),
		Title:       strings.TrimSpace(r.Title),
		URL:         link,
		MPName:      string(first(r.MPName, r.FeedInfo.MPName, flexString(r.Author))),
		MPID:        string(first(r.MPID, r.FeedInfo.MPID, r.FeedID)),
		Description: r.Description,
		Priority:    r.priority(),
		PublishTime: r.publishTime(),
	}
}

// priority tolerates a missing or non-numeric field, defaulting to 0.
func (r *rawArticle) priority() int {
	n, err := strconv.Atoi(string(r.Priority))
	if err != nil {
		return 0
	}
	return n
}

func first(vals ...flexString) flexString {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// SynthesizeID derives a stable article id when the upstream omits one:
// the last path segment of the link, or a hash of the whole link.
func SynthesizeID(id, link string) string {
	if id != "" {
		return id
	}
	if i := strings.LastIndex(link, "/"); i >= 0 && i < len(link)-1 {
		return link[i+1:]
	}
	sum := md5.Sum([]byte(link))
	return hex.EncodeToString(sum[:])
}

// publishTime resolves the publish instant from whichever field is
// populated, defaulting to now.
func (r *rawArticle) publishTime() int64 {
	for _, raw := range []json.RawMessage{
		r.PublishTime, r.PubDate, r.Published, r.Updated, r.Date, r.Timestamp,
	} {
		if ts, ok := parseTime(raw); ok {
			return ts
		}
	}
	return time.Now().Unix()
}

var timeLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts unix seconds, unix milliseconds or a textual date.
func parseTime(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}

	if n, err := strconv.ParseFloat(string(raw), 64); err == nil {
		if n <= 0 {
			return 0, false
		}
		// Millisecond stamps exceed 1e10 until the year 2286.
		if n > 1e10 {
			return int64(n / 1000), true
		}
		return int64(n), true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return 0, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), true
		}
	}
	return 0, false
}

// ============= Atom / RSS =============

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
	Text string `xml:",chardata"`
}

type atomEntry struct {
	ID        string     `xml:"id"`
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
	Summary   string     `xml:"summary"`
	Author    struct {
		Name string `xml:"name"`
	} `xml:"author"`
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	PubDate     string `xml:"pubDate"`
	Description string `xml:"description"`
	Author      string `xml:"author"`
}

type rssFeed struct {
	XMLName xml.Name  `xml:"rss"`
	Items   []rssItem `xml:"channel>item"`
}

// parseFeedXML handles both Atom and RSS 2.0 payloads. Feeds declaring a
// non-UTF-8 encoding are converted on the fly.
func parseFeedXML(body []byte) ([]Article, error) {
	var atom atomFeed
	if err := decodeFeedXML(body, &atom); err == nil {
		out := make([]Article, 0, len(atom.Entries))
		for _, e := range atom.Entries {
			if a := e.toArticle(); a != nil {
				out = append(out, *a)
			}
		}
		return out, nil
	}

	var rss rssFeed
	if err := decodeFeedXML(body, &rss); err != nil {
		return nil, task.Wrap(task.KindParse, "feed.xml", err)
	}
	out := make([]Article, 0, len(rss.Items))
	for _, it := range rss.Items {
		if a := it.toArticle(); a != nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

func decodeFeedXML(body []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charset.NewReaderLabel
	return dec.Decode(v)
}

func (e *atomEntry) toArticle() *Article {
	link := ""
	for _, l := range e.Links {
		if l.Rel == "alternate" && l.Href != "" {
			link = l.Href
			break
		}
	}
	if link == "" {
		for _, l := range e.Links {
			if l.Href != "" {
				link = l.Href
				break
			}
			if strings.TrimSpace(l.Text) != "" {
				link = strings.TrimSpace(l.Text)
				break
			}
		}
	}
	if link == "" {
		return nil
	}

	published := e.Published
	if published == "" {
		published = e.Updated
	}
	var ts int64
	if v, ok := parseTime(json.RawMessage(strconv.Quote(published))); ok {
		ts = v
	} else {
		ts = time.Now().Unix()
	}

	return &Article{
		ID:          SynthesizeID(e.ID, link),
		Title:       strings.TrimSpace(e.Title),
		URL:         link,
		MPName:      e.Author.Name,
		Description: e.Summary,
		PublishTime: ts,
	}
}

func (it *rssItem) toArticle() *Article {
	if it.Link == "" {
		return nil
	}

	var ts int64
	if v, ok := parseTime(json.RawMessage(strconv.Quote(it.PubDate))); ok {
		ts = v
	} else {
		ts = time.Now().Unix()
	}

	return &Article{
		ID:          SynthesizeID(it.GUID, it.Link),
		Title:       strings.TrimSpace(it.Title),
		URL:         it.Link,
		MPName:      it.Author,
		Description: it.Description,
		PublishTime: ts,
	}
}
