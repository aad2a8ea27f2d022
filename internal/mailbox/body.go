package mailbox

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jhillyerd/enmime"
	pdf "github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"procure/internal"
	"procure/internal/util"
)

// parseMessage turns a raw RFC 5322 message into an EmailMessage. The Date
// header wins over the server's internal date when it parses.
func parseMessage(raw []byte, internalDate time.Time) (internal.EmailMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return internal.EmailMessage{}, err
	}

	msg := internal.EmailMessage{
		MessageID: strings.TrimSpace(env.GetHeader("Message-ID")),
		Subject:   strings.TrimSpace(env.GetHeader("Subject")),
		From:      strings.TrimSpace(env.GetHeader("From")),
		Date:      internalDate,
	}
	if msg.Subject == "" {
		msg.Subject = "(No Subject)"
	}
	if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		msg.Date = date
	}

	sections := []string{messageText(env)}
	for _, att := range env.Attachments {
		text := attachmentText(att)
		if text == "" {
			continue
		}
		name := strings.TrimSpace(att.FileName)
		if name == "" {
			name = "attachment"
		}
		sections = append(sections, fmt.Sprintf("[%s]\n%s", name, text))
	}

	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	msg.Body = strings.Join(parts, "\n\n")
	return msg, nil
}

func messageText(env *enmime.Envelope) string {
	if env.Root != nil {
		plain := env.Root.BreadthMatchFirst(func(p *enmime.Part) bool {
			return p.ContentType == "text/plain" && p.Disposition != "attachment"
		})
		if plain != nil {
			return env.Text
		}
	}
	if env.HTML != "" {
		if text := htmlToText(env.HTML); text != "" {
			return text
		}
	}
	return env.Text
}

var (
	blockTags = map[string]bool{
		"p": true, "div": true, "tr": true, "li": true, "table": true, "blockquote": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	}
	skipTags = map[string]bool{"script": true, "style": true, "head": true, "#comment": true}
)

func htmlToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	b := strings.Builder{}
	collectText(doc.Selection, &b)

	lines := util.SplitLines(b.String())
	for i, line := range lines {
		lines[i] = strings.TrimSpace(strings.TrimSuffix(line, "|"))
	}
	return strings.Join(lines, "\n")
}

// collectText flattens the DOM, keeping table rows on one line with cells
// joined by " | ".
func collectText(sel *goquery.Selection, b *strings.Builder) {
	sel.Contents().Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		switch {
		case name == "#text":
			b.WriteString(strings.ReplaceAll(s.Nodes[0].Data, "\n", " "))
		case skipTags[name]:
		case name == "br":
			b.WriteString("\n")
		default:
			collectText(s, b)
			if name == "td" || name == "th" {
				b.WriteString(" | ")
			}
			if blockTags[name] {
				b.WriteString("\n")
			}
		}
	})
}

func attachmentText(att *enmime.Part) string {
	lower := strings.ToLower(att.FileName)
	switch {
	case strings.HasSuffix(lower, ".xlsx"):
		text, err := xlsxText(att.Content)
		if err != nil {
			return ""
		}
		return text
	case strings.HasSuffix(lower, ".pdf"):
		text, err := pdfText(att.Content)
		if err != nil {
			return ""
		}
		return text
	case att.ContentType == "text/plain":
		return strings.TrimSpace(string(att.Content))
	}
	return ""
}

func xlsxText(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	defer f.Close()

	lines := []string{}
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			for _, c := range row {
				if c = util.NormalizeSpaces(c); c != "" {
					cells = append(cells, c)
				}
			}
			if len(cells) > 0 {
				lines = append(lines, strings.Join(cells, " | "))
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

func pdfText(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	lines := []string{}
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		lines = append(lines, util.SplitLines(text)...)
	}
	return strings.Join(lines, "\n"), nil
}
