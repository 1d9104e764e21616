package adproxy

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"time"
)

// BlockPage renders the HTML shown in place of a blocked document.
// Subresources are never given a page; they get an empty body.
type BlockPage struct {
	template *template.Template
}

// BlockPageData contains the data passed to the block page template.
type BlockPageData struct {
	URL       string
	Host      string
	Path      string
	Action    string
	Rule      string
	Timestamp string
}

// DefaultBlockPageHTML is the default block page template.
const DefaultBlockPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Blocked - adproxy</title>
    <style>
        body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; background: #f4f4f6; color: #222; margin: 0; }
        main { max-width: 560px; margin: 12vh auto; background: #fff; border-radius: 8px; padding: 32px 40px; box-shadow: 0 4px 16px rgba(0,0,0,.08); }
        h1 { font-size: 22px; margin: 0 0 12px; }
        dl { display: grid; grid-template-columns: 80px 1fr; gap: 8px 12px; font-size: 14px; }
        dt { color: #777; }
        dd { margin: 0; word-break: break-all; font-family: ui-monospace, monospace; }
    </style>
</head>
<body>
    <main>
        <h1>This page was blocked</h1>
        <p>A filter rule prevented the proxy from loading this address.</p>
        <dl>
            <dt>Host</dt><dd>{{.Host}}</dd>
            <dt>URL</dt><dd>{{.URL}}</dd>
            {{if .Rule}}<dt>Rule</dt><dd>{{.Rule}}</dd>{{end}}
            <dt>Time</dt><dd>{{.Timestamp}}</dd>
        </dl>
    </main>
</body>
</html>`

// NewBlockPage creates a new BlockPage with the default template.
func NewBlockPage() *BlockPage {
	tmpl := template.Must(template.New("block").Parse(DefaultBlockPageHTML))
	return &BlockPage{template: tmpl}
}

// NewBlockPageFromTemplate creates a BlockPage from a custom template string.
func NewBlockPageFromTemplate(templateStr string) (*BlockPage, error) {
	tmpl, err := template.New("block").Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("parse block page: %w", err)
	}
	return &BlockPage{template: tmpl}, nil
}

// NewBlockPageFromFile creates a BlockPage from a template file.
func NewBlockPageFromFile(path string) (*BlockPage, error) {
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, fmt.Errorf("parse block page: %w", err)
	}
	return &BlockPage{template: tmpl}, nil
}

// Render executes the template into a byte slice.
func (bp *BlockPage) Render(data BlockPageData) ([]byte, error) {
	var buf bytes.Buffer
	if err := bp.template.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func blockPageDataFor(req RequestDescriptor, v Verdict) BlockPageData {
	d := BlockPageData{
		URL:       req.URL,
		Action:    v.Action.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if u, err := url.Parse(req.URL); err == nil {
		d.Host = u.Hostname()
		d.Path = u.Path
	}
	if v.Rule != nil {
		d.Rule = v.Rule.Text
	}
	return d
}
