package render

import "html/template"

var digestTmpl = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<h2>{{.Product}} alerts: {{.Title}}</h2>
<p>{{.Count}} new alert(s) between {{.From}} and {{.To}}.</p>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>severity</th>{{range .Fields}}<th>{{.}}</th>{{end}}</tr>
{{range .Rows}}<tr><td>{{.Severity}}</td>{{range .Values}}<td>{{.}}</td>{{end}}</tr>
{{end}}</table>
</body></html>
`))

var reportTmpl = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<h2>{{.Product}} {{.Schedule}} report: {{.Title}}</h2>
<p>Period {{.From}} to {{.To}}. Total alerts: <b>{{.Total}}</b>.</p>
<h3>By severity</h3>
<table border="1" cellpadding="4" cellspacing="0">
{{range .BySeverity}}<tr><td>{{.Key}}</td><td>{{.Count}}</td></tr>
{{end}}</table>
{{if .TopRules}}<h3>Top rules</h3>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>rule</th><th>description</th><th>count</th></tr>
{{range .TopRules}}<tr><td>{{.Key}}</td><td>{{.Label}}</td><td>{{.Count}}</td></tr>
{{end}}</table>{{end}}
{{if .TopAgents}}<h3>Top agents</h3>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>agent</th><th>ip</th><th>count</th></tr>
{{range .TopAgents}}<tr><td>{{.Key}}</td><td>{{.Label}}</td><td>{{.Count}}</td></tr>
{{end}}</table>{{end}}
<p style="color:#888">Generated {{.Generated}}</p>
</body></html>
`))
