package dashboard

import "html/template"

// The dashboard is read-only HTML tables over the broker's tables. One
// layout, one block per page; no client-side code beyond inline CSS.
const layoutTmpl = `{{define "layout"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}} — agent key broker</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 2rem; color: #222; }
nav a { margin-right: 1rem; text-decoration: none; color: #0366d6; }
nav a.active { font-weight: 600; color: #222; }
table { border-collapse: collapse; margin-top: 1rem; width: 100%; }
th, td { border: 1px solid #ddd; padding: 6px 10px; text-align: left; font-size: 14px; vertical-align: top; }
th { background: #f6f8fa; }
td.num { text-align: right; font-variant-numeric: tabular-nums; }
td.truncate { max-width: 32rem; overflow: hidden; text-overflow: ellipsis; white-space: nowrap; }
.exhausted { color: #d50200; font-weight: 600; }
.ok { color: #36a64f; }
.empty { margin-top: 2rem; color: #888; }
</style>
</head>
<body>
<nav>
<a href="/"{{if eq .Active "usage"}} class="active"{{end}}>Usage</a>
<a href="/tasks"{{if eq .Active "tasks"}} class="active"{{end}}>Tasks</a>
<a href="/keys"{{if eq .Active "keys"}} class="active"{{end}}>Keys</a>
<a href="/interactions"{{if eq .Active "interactions"}} class="active"{{end}}>Interactions</a>
<a href="/command_log"{{if eq .Active "commands"}} class="active"{{end}}>Commands</a>
</nav>
<h1>{{.Title}}</h1>
{{template "content" .}}
</body>
</html>{{end}}`

const usageTmpl = `{{define "content"}}{{if .Rows}}<table>
<tr><th>Time</th><th>Key</th><th>Task</th><th>Type</th><th>Tokens</th></tr>
{{range .Rows}}<tr>
<td>{{ts .Timestamp}}</td>
<td>{{.KeyName}}</td>
<td>{{.TaskID}}</td>
<td>{{.RequestType}}</td>
<td class="num">{{.TokenCount}}</td>
</tr>{{end}}
</table>{{else}}<p class="empty">No usage recorded yet.</p>{{end}}{{end}}`

const tasksTmpl = `{{define "content"}}{{if .Rows}}<table>
<tr><th>Task</th><th>Status</th><th>Last updated</th></tr>
{{range .Rows}}<tr>
<td>{{.ID}}</td>
<td>{{.Status}}</td>
<td>{{ts .LastUpdated}}</td>
</tr>{{end}}
</table>{{else}}<p class="empty">No tasks yet.</p>{{end}}{{end}}`

const keysTmpl = `{{define "content"}}{{if .Rows}}<table>
<tr><th>Key</th><th>Requests today</th><th>Tokens today</th><th>Last used</th><th>Status</th></tr>
{{range .Rows}}<tr>
<td>{{.KeyName}}</td>
<td class="num">{{.DailyRequestCount}}</td>
<td class="num">{{.DailyTokenTotal}}</td>
<td>{{if .LastUsed}}{{ts .LastUsed}}{{else}}never{{end}}</td>
<td>{{if .QuotaExhausted}}<span class="exhausted">exhausted</span>{{else}}<span class="ok">available</span>{{end}}</td>
</tr>{{end}}
</table>{{else}}<p class="empty">No keys configured.</p>{{end}}{{end}}`

const interactionsTmpl = `{{define "content"}}{{if .Rows}}<table>
<tr><th>Time</th><th>Task</th><th>Prompt</th><th>Response</th></tr>
{{range .Rows}}<tr>
<td>{{ts .Timestamp}}</td>
<td>{{.TaskID}}</td>
<td class="truncate">{{.Prompt}}</td>
<td class="truncate">{{.Response}}</td>
</tr>{{end}}
</table>{{else}}<p class="empty">No interactions yet.</p>{{end}}{{end}}`

const commandsTmpl = `{{define "content"}}{{if .Rows}}<table>
<tr><th>Time</th><th>Task</th><th>Command</th><th>Mode</th><th>Permissions</th><th>Confirmed</th></tr>
{{range .Rows}}<tr>
<td>{{ts .ExecutedAt}}</td>
<td>{{.TaskID}}</td>
<td class="truncate">{{.Command}}</td>
<td>{{.AgentMode}}</td>
<td>{{.Permissions}}</td>
<td>{{if .UserConfirm}}yes{{else}}no{{end}}</td>
</tr>{{end}}
</table>{{else}}<p class="empty">No commands logged yet.</p>{{end}}{{end}}`

func parsePage(name, content string, funcs template.FuncMap) *template.Template {
	t := template.New(name).Funcs(funcs)
	template.Must(t.Parse(layoutTmpl))
	template.Must(t.Parse(content))
	return t
}
