package attach

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// maxExtractedLen bounds extracted attachment text so one oversized runbook
// can't dominate the incident description.
const maxExtractedLen = 20000

// Attachment is a file attached to an incident report.
type Attachment struct {
	Name string
	MIME string
	Data []byte
}

// ExtractText returns the plain text of a supported attachment. PDF and HTML
// payloads are parsed; plain text passes through; anything else returns an
// error so the caller can skip it.
func ExtractText(a Attachment) (string, error) {
	switch {
	case strings.Contains(a.MIME, "pdf"):
		return extractPDF(a.Data)
	case strings.Contains(a.MIME, "html"):
		return extractHTML(a.Data)
	case strings.HasPrefix(a.MIME, "text/"):
		return clamp(string(a.Data)), nil
	default:
		return "", fmt.Errorf("unsupported attachment type %q", a.MIME)
	}
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parsing PDF: %w", err)
	}

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting PDF text: %w", err)
	}

	text, err := io.ReadAll(io.LimitReader(reader, maxExtractedLen))
	if err != nil {
		return "", fmt.Errorf("reading PDF text: %w", err)
	}
	return strings.TrimSpace(string(text)), nil
}

// extractHTML strips tags and returns the visible text, skipping script and
// style contents.
func extractHTML(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parsing HTML: %w", err)
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return clamp(sb.String()), nil
}

func clamp(s string) string {
	if len(s) <= maxExtractedLen {
		return s
	}
	return s[:maxExtractedLen]
}
