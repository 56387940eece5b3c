package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var transcriptTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatTime": func(t time.Time) string {
			return t.UTC().Format("Jan 2, 2006 15:04 MST")
		},
		"join": func(items []string) string {
			return strings.Join(items, ", ")
		},
	}

	transcriptTemplate = template.Must(template.New("transcript").Funcs(funcMap).Parse(transcriptHTML))
}

// RenderTranscriptHTML renders the transcript template with provided data
func RenderTranscriptHTML(t Transcript) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, t); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const transcriptHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #1a1a1a; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .entry { padding: 0.75rem 1rem; margin: 0.75rem 0; background: #f7f7f7; border-left: 3px solid #333; page-break-inside: avoid; }
    .entry.deleted { border-left-color: #b33; color: #888; }
    .entry .head { font-size: 0.85em; color: #555; margin-bottom: 0.25rem; }
    .entry .topic { font-weight: bold; }
    .entry .body { white-space: pre-wrap; }
    .redacted { font-style: italic; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">
    Conversation {{.ConversationID}} | Company {{.CompanyID}}<br>
    Exported by {{.GeneratedBy}} on {{formatTime .GeneratedAt}} | {{len .Entries}} messages
  </div>
  {{range .Entries}}
  <div class="entry{{if .Deleted}} deleted{{end}}">
    <div class="head">{{.Author}}{{if .Recipients}} to {{join .Recipients}}{{end}} | {{formatTime .SentAt}}</div>
    {{if .Topic}}<div class="topic">{{.Topic}}</div>{{end}}
    {{if .Deleted}}<div class="body redacted">[message deleted]</div>{{else}}<div class="body">{{.Body}}</div>{{end}}
  </div>
  {{end}}
</body>
</html>`
