package export

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

// Report is the printable progress report: the global numbers followed
// by each group's rows.
type Report struct {
	Title       string
	GeneratedAt time.Time
	OverallPct  int
	Total       int
	Completed   int
	Critical    int
	Groups      []ReportGroup
}

// ReportGroup is one section of the report.
type ReportGroup struct {
	Title      string
	AveragePct int
	Rows       []Row
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string { return t.Format("02/01/2006 15:04") },
}).Parse(reportHTML))

// RenderReportHTML renders the report page fed to the PDF printer.
func RenderReportHTML(r Report) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("render report template: %w", err)
	}
	return buf.String(), nil
}

const reportHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
  body { font-family: Helvetica, Arial, sans-serif; color: #1a1a1a; font-size: 11px; }
  h1 { font-size: 20px; margin-bottom: 2px; }
  .meta { color: #666; margin-bottom: 16px; }
  .summary { display: flex; gap: 24px; margin-bottom: 20px; }
  .summary div { border: 1px solid #ddd; border-radius: 4px; padding: 8px 14px; }
  .summary .num { font-size: 18px; font-weight: bold; }
  h2 { font-size: 13px; border-bottom: 1px solid #ccc; padding-bottom: 3px; margin-top: 18px; }
  table { width: 100%; border-collapse: collapse; margin-top: 6px; }
  th, td { text-align: left; padding: 3px 6px; border-bottom: 1px solid #eee; }
  th { color: #555; font-weight: 600; }
  td.num, th.num { text-align: right; }
  .critical { color: #b00020; font-weight: bold; }
  @page { size: letter; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<div class="meta">Generated {{formatDate .GeneratedAt}}</div>
<div class="summary">
  <div><div class="num">{{.OverallPct}}%</div>overall</div>
  <div><div class="num">{{.Completed}}/{{.Total}}</div>completed</div>
  <div><div class="num">{{.Critical}}</div>critical</div>
</div>
{{range .Groups}}
<h2>{{.Title}} &mdash; {{.AveragePct}}%</h2>
<table>
  <tr><th>ID</th><th>Activity</th><th>Start</th><th>End</th><th class="num">Real</th><th class="num">Expected</th><th class="num">Welds</th></tr>
  {{range .Rows}}
  <tr>
    <td>{{.ExternalID}}</td>
    <td{{if .Critical}} class="critical"{{end}}>{{.Name}}</td>
    <td>{{.StartDate}}</td>
    <td>{{.EndDate}}</td>
    <td class="num">{{.RealPct}}%</td>
    <td class="num">{{.ExpectedPct}}%</td>
    <td class="num">{{if .UnitsTotal}}{{.UnitsCompleted}}/{{.UnitsTotal}}{{end}}</td>
  </tr>
  {{end}}
</table>
{{end}}
</body>
</html>`
