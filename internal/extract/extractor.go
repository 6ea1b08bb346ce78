package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"genesis-connector/internal/task"
)

// Elements that never carry article text.
var boilerplateSelector = "script, style, noscript, iframe, form, svg, nav, header, footer, aside, button"

// Class/id fragments that mark navigation chrome rather than content.
var chromePattern = regexp.MustCompile(`(?i)\b(comment|sidebar|footer|nav|menu|banner|breadcrumb|social|share|related|recommend|advert|ads?)\b`)

// Containers tried in order before falling back to scoring, most specific
// first. The js_content/rich_media ids cover the dominant article host.
var contentSelectors = []string{
	"#js_content",
	".rich_media_content",
	"article",
	"[role=main]",
	"main",
}

var blockSelector = "p, h1, h2, h3, h4, h5, h6, li, blockquote, pre, td"

// ExtractText pulls the main article text out of an HTML document,
// stripping boilerplate and navigation chrome. Returns a parse error when
// nothing usable remains.
func ExtractText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", task.Wrap(task.KindParse, "extract.parse", err)
	}

	doc.Find(boilerplateSelector).Remove()
	doc.Find("[class], [id]").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		id, _ := s.Attr("id")
		if chromePattern.MatchString(class) || chromePattern.MatchString(id) {
			s.Remove()
		}
	})

	root := pickContentRoot(doc)
	text := collectBlocks(root)
	if text == "" {
		// Degenerate markup with bare text nodes.
		text = normalizeWhitespace(root.Text())
	}
	if text == "" {
		return "", task.Errorf(task.KindParse, "extract.text", "no text extracted")
	}
	return text, nil
}

// pickContentRoot returns the most article-like container: a known
// selector when present, otherwise the densest low-link-ratio div.
func pickContentRoot(doc *goquery.Document) *goquery.Selection {
	for _, sel := range contentSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 && len(strings.TrimSpace(s.Text())) > 0 {
			return s
		}
	}

	var best *goquery.Selection
	bestScore := 0
	doc.Find("div, section").Each(func(_ int, s *goquery.Selection) {
		total := len(strings.TrimSpace(s.Text()))
		if total < 100 || total <= bestScore {
			return
		}
		linked := len(strings.TrimSpace(s.Find("a").Text()))
		// Link-heavy blocks are menus and listings, not prose.
		if float64(linked) > 0.3*float64(total) {
			return
		}
		best = s
		bestScore = total
	})
	if best != nil {
		return best
	}

	if body := doc.Find("body").First(); body.Length() > 0 {
		return body
	}
	return doc.Selection
}

// collectBlocks walks block-level elements and joins their text with
// blank lines, mirroring how the article reads.
func collectBlocks(root *goquery.Selection) string {
	var blocks []string
	seen := make(map[string]bool)

	root.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		// Nested blocks (li inside p etc.) would duplicate text.
		if s.Children().Is(blockSelector) {
			return
		}
		text := normalizeWhitespace(s.Text())
		if text == "" || seen[text] {
			return
		}
		seen[text] = true
		blocks = append(blocks, text)
	})

	return strings.Join(blocks, "\n\n")
}

var spaceRun = regexp.MustCompile(`[ \t\r\f\v]+`)
var newlineRun = regexp.MustCompile(`\n{2,}`)

func normalizeWhitespace(s string) string {
	s = spaceRun.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	s = strings.Join(lines, "\n")
	s = newlineRun.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}
