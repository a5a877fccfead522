package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"
)

func render(r *Report, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return renderJSON(r)
	case FormatHTML:
		return renderHTML(r)
	case FormatMarkdown:
		return renderMarkdown(r)
	case FormatText:
		return renderText(r)
	}
	return nil, fmt.Errorf("unknown report format %q", f)
}

func renderJSON(r *Report) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return append(data, '\n'), nil
}

// The document-shaped formats share a flattened view: sorted key/value
// rows per section, with Table values pulled out for real table
// rendering.

type kvRow struct {
	Key   string
	Value string
	List  []string
}

type tableView struct {
	Caption string
	Headers []string
	Rows    [][]string
}

type sectionView struct {
	Title    string
	Severity string
	Rows     []kvRow
	Tables   []tableView
}

type reportView struct {
	Title     string
	SessionID string
	Generated string
	Sections  []sectionView
}

func viewOf(r *Report) reportView {
	out := reportView{
		Title:     r.Title,
		SessionID: r.SessionID,
		Generated: ts(r.GeneratedAt),
	}
	for _, s := range r.Sections {
		out.Sections = append(out.Sections, sectionViewOf(s))
	}
	return out
}

func sectionViewOf(s Section) sectionView {
	view := sectionView{Title: s.Title, Severity: s.Severity}
	for _, k := range sortedKeys(s.Content) {
		switch v := s.Content[k].(type) {
		case Table:
			view.Tables = append(view.Tables, tableView{Caption: k, Headers: v.Headers, Rows: v.Rows})
		case []string:
			view.Rows = append(view.Rows, kvRow{Key: k, List: v})
		case map[string]any:
			view.Rows = append(view.Rows, flattenMap(k, v)...)
		default:
			view.Rows = append(view.Rows, kvRow{Key: k, Value: fmt.Sprintf("%v", v)})
		}
	}
	return view
}

func flattenMap(prefix string, m map[string]any) []kvRow {
	var rows []kvRow
	for _, k := range sortedKeys(m) {
		key := prefix + "." + k
		switch v := m[k].(type) {
		case map[string]any:
			rows = append(rows, flattenMap(key, v)...)
		case []string:
			rows = append(rows, kvRow{Key: key, List: v})
		default:
			rows = append(rows, kvRow{Key: key, Value: fmt.Sprintf("%v", v)})
		}
	}
	return rows
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const htmlReportTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 2rem auto; max-width: 60rem; color: #1f2430; }
h1 { border-bottom: 2px solid #2c5aa0; padding-bottom: .3rem; }
section { margin: 1.5rem 0; padding: 1rem 1.25rem; border-left: 4px solid #9aa4b2; background: #f7f8fa; }
section.warning { border-color: #d97706; }
section.error, section.critical { border-color: #dc2626; }
table { border-collapse: collapse; margin: .75rem 0; width: 100%; }
th, td { border: 1px solid #d4d9e0; padding: .35rem .6rem; text-align: left; font-size: .9rem; }
th { background: #e8edf4; }
dl { display: grid; grid-template-columns: max-content 1fr; gap: .25rem 1rem; margin: 0; }
dt { font-weight: 600; }
dd { margin: 0; }
.meta { color: #5b6472; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">Session {{.SessionID}} &middot; generated {{.Generated}}</p>
{{range .Sections}}<section class="{{.Severity}}">
<h2>{{.Title}}</h2>
{{if .Rows}}<dl>
{{range .Rows}}<dt>{{.Key}}</dt><dd>{{if .List}}<ul>{{range .List}}<li>{{.}}</li>{{end}}</ul>{{else}}{{.Value}}{{end}}</dd>
{{end}}</dl>
{{end}}{{range .Tables}}<h3>{{.Caption}}</h3>
<table>
<thead><tr>{{range .Headers}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</tbody>
</table>
{{end}}</section>
{{end}}</body>
</html>
`

var htmlReport = template.Must(template.New("report").Parse(htmlReportTemplate))

func renderHTML(r *Report) ([]byte, error) {
	var buf bytes.Buffer
	if err := htmlReport.Execute(&buf, viewOf(r)); err != nil {
		return nil, fmt.Errorf("render html report: %w", err)
	}
	return buf.Bytes(), nil
}

func renderMarkdown(r *Report) ([]byte, error) {
	view := viewOf(r)
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", view.Title)
	fmt.Fprintf(&b, "Session `%s`, generated %s\n", view.SessionID, view.Generated)
	for _, s := range view.Sections {
		fmt.Fprintf(&b, "\n## %s\n\n", s.Title)
		if s.Severity != SeverityInfo {
			fmt.Fprintf(&b, "> severity: %s\n\n", s.Severity)
		}
		for _, row := range s.Rows {
			if row.List != nil {
				fmt.Fprintf(&b, "- **%s**:\n", row.Key)
				for _, item := range row.List {
					fmt.Fprintf(&b, "  - %s\n", item)
				}
				continue
			}
			fmt.Fprintf(&b, "- **%s**: %s\n", row.Key, row.Value)
		}
		for _, t := range s.Tables {
			fmt.Fprintf(&b, "\n| %s |\n", strings.Join(t.Headers, " | "))
			b.WriteString("|" + strings.Repeat("---|", len(t.Headers)) + "\n")
			for _, cells := range t.Rows {
				escaped := make([]string, len(cells))
				for i, c := range cells {
					escaped[i] = strings.ReplaceAll(c, "|", `\|`)
				}
				fmt.Fprintf(&b, "| %s |\n", strings.Join(escaped, " | "))
			}
		}
	}
	return []byte(b.String()), nil
}

func renderText(r *Report) ([]byte, error) {
	view := viewOf(r)
	var b strings.Builder
	b.WriteString(view.Title + "\n")
	b.WriteString(strings.Repeat("=", utf8.RuneCountInString(view.Title)) + "\n")
	fmt.Fprintf(&b, "Session:   %s\n", view.SessionID)
	fmt.Fprintf(&b, "Generated: %s\n", view.Generated)
	for _, s := range view.Sections {
		header := fmt.Sprintf("%s [%s]", s.Title, s.Severity)
		fmt.Fprintf(&b, "\n%s\n%s\n", header, strings.Repeat("-", utf8.RuneCountInString(header)))
		for _, row := range s.Rows {
			if row.List != nil {
				fmt.Fprintf(&b, "%s:\n", row.Key)
				for _, item := range row.List {
					fmt.Fprintf(&b, "  - %s\n", item)
				}
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", row.Key, row.Value)
		}
		for _, t := range s.Tables {
			fmt.Fprintf(&b, "\n%s:\n", t.Caption)
			tw := tablewriter.NewWriter(&b)
			tw.SetAlignment(tablewriter.ALIGN_LEFT)
			tw.SetHeader(t.Headers)
			for _, row := range t.Rows {
				tw.Append(row)
			}
			tw.Render()
		}
	}
	return []byte(b.String()), nil
}
