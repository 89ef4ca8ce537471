package navigation

import (
	"bytes"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gorilla/css/scanner"

	"netintercept/pkg/domain"
)

// Subresource 文档引用的子资源
type Subresource struct {
	URL  string
	Type domain.ResourceType
}

var extTypes = map[string]domain.ResourceType{
	".css":   domain.ResourceStylesheet,
	".js":    domain.ResourceScript,
	".mjs":   domain.ResourceScript,
	".png":   domain.ResourceImage,
	".jpg":   domain.ResourceImage,
	".jpeg":  domain.ResourceImage,
	".gif":   domain.ResourceImage,
	".svg":   domain.ResourceImage,
	".webp":  domain.ResourceImage,
	".ico":   domain.ResourceFavicon,
	".woff":  domain.ResourceFont,
	".woff2": domain.ResourceFont,
	".ttf":   domain.ResourceFont,
	".otf":   domain.ResourceFont,
	".eot":   domain.ResourceFont,
	".mp4":   domain.ResourceMedia,
	".webm":  domain.ResourceMedia,
	".ogg":   domain.ResourceMedia,
	".mp3":   domain.ResourceMedia,
	".wav":   domain.ResourceMedia,
	".html":  domain.ResourceSubFrame,
	".htm":   domain.ResourceSubFrame,
}

// ClassifyURL 按扩展名推断资源类型，无法判断时返回 ResourceOther
func ClassifyURL(rawURL string) domain.ResourceType {
	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.ResourceOther
	}
	if t, ok := extTypes[strings.ToLower(path.Ext(u.Path))]; ok && t != domain.ResourceSubFrame {
		return t
	}
	return domain.ResourceOther
}

// DiscoverHTML 按文档顺序找出 HTML 中引用的子资源，相对地址按 base 解析
func DiscoverHTML(base string, body []byte) ([]Subresource, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b := resolve(base, href); b != "" {
			base = b
		}
	}

	var out []Subresource
	seen := make(map[string]struct{})
	add := func(ref string, t domain.ResourceType) {
		abs := resolve(base, ref)
		if abs == "" {
			return
		}
		key := string(t) + " " + abs
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, Subresource{URL: abs, Type: t})
	}

	doc.Find("link[href], script[src], img[src], iframe[src], frame[src], video[src], audio[src], source[src], track[src], embed[src], object[data]").
		Each(func(_ int, s *goquery.Selection) {
			switch goquery.NodeName(s) {
			case "link":
				href, _ := s.Attr("href")
				if t, ok := linkType(s, href); ok {
					add(href, t)
				}
			case "script":
				src, _ := s.Attr("src")
				add(src, domain.ResourceScript)
			case "img":
				src, _ := s.Attr("src")
				add(src, domain.ResourceImage)
			case "iframe", "frame":
				src, _ := s.Attr("src")
				add(src, domain.ResourceSubFrame)
			case "object":
				data, _ := s.Attr("data")
				add(data, domain.ResourceOther)
			case "embed":
				src, _ := s.Attr("src")
				add(src, domain.ResourceOther)
			default:
				src, _ := s.Attr("src")
				add(src, domain.ResourceMedia)
			}
		})

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		for _, ref := range DiscoverCSS(base, []byte(s.Text())) {
			add(ref.URL, ref.Type)
		}
	})
	return out, nil
}

func linkType(s *goquery.Selection, href string) (domain.ResourceType, bool) {
	rel := strings.Fields(strings.ToLower(s.AttrOr("rel", "")))
	has := func(v string) bool {
		for _, r := range rel {
			if r == v {
				return true
			}
		}
		return false
	}
	switch {
	case has("stylesheet"):
		return domain.ResourceStylesheet, true
	case has("icon"):
		return domain.ResourceFavicon, true
	case has("preload") || has("prefetch"):
		switch strings.ToLower(s.AttrOr("as", "")) {
		case "font":
			return domain.ResourceFont, true
		case "script":
			return domain.ResourceScript, true
		case "style":
			return domain.ResourceStylesheet, true
		case "image":
			return domain.ResourceImage, true
		case "video", "audio", "track":
			return domain.ResourceMedia, true
		case "":
			return ClassifyURL(href), true
		default:
			return domain.ResourceOther, true
		}
	}
	return "", false
}

// DiscoverCSS 找出样式表中 url() 与 @import 引用的资源
func DiscoverCSS(base string, body []byte) []Subresource {
	var out []Subresource
	s := scanner.New(string(body))
	importing := false
	for {
		tok := s.Next()
		if tok.Type == scanner.TokenEOF || tok.Type == scanner.TokenError {
			break
		}
		switch tok.Type {
		case scanner.TokenAtKeyword:
			importing = strings.EqualFold(tok.Value, "@import")
		case scanner.TokenURI:
			if abs := resolve(base, unquote(trimURI(tok.Value))); abs != "" {
				t := ClassifyURL(abs)
				if importing {
					t = domain.ResourceStylesheet
				}
				out = append(out, Subresource{URL: abs, Type: t})
			}
			importing = false
		case scanner.TokenString:
			if importing {
				if abs := resolve(base, unquote(tok.Value)); abs != "" {
					out = append(out, Subresource{URL: abs, Type: domain.ResourceStylesheet})
				}
				importing = false
			}
		case scanner.TokenS, scanner.TokenComment:
		default:
			importing = false
		}
	}
	return out
}

func trimURI(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 4 && strings.EqualFold(v[:4], "url(") {
		v = v[4:]
	}
	return strings.TrimSpace(strings.TrimSuffix(v, ")"))
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

func resolve(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if r.IsAbs() {
		return r.String()
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return ""
	}
	return b.ResolveReference(r).String()
}

// origin 返回 URL 的内容源（scheme://host），无法解析时为空
func origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return ""
	}
	if u.Scheme == "data" || u.Scheme == "about" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
