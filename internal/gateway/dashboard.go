package gateway

import (
	"bytes"
	"html/template"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/loykin/binarydrop/internal/app"
)

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>BinaryDrop</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
th { background: #f2f2f2; }
.running { color: #2e7d32; font-weight: bold; }
.stopped { color: #c62828; }
.created { color: #1565c0; }
.other { color: #ef6c00; }
</style>
</head>
<body>
<h1>BinaryDrop Apps</h1>
<table>
<tr><th>Name</th><th>Status</th><th>Port</th><th>PID</th><th>URL</th></tr>
{{- range .}}
<tr><td>{{.Name}}</td><td class="{{.Class}}">{{.State}}</td><td>{{.Port}}</td><td>{{.PID}}</td><td><a href="{{.URL}}">{{.URL}}</a></td></tr>
{{- else}}
<tr><td colspan="5">No apps</td></tr>
{{- end}}
</table>
</body>
</html>
`))

type dashboardRow struct {
	Name  string
	State string
	Class string
	Port  int
	PID   string
	URL   string
}

func (g *Gateway) dashboard(c echo.Context) error {
	apps, err := g.store.GetAll(c.Request().Context())
	if err != nil {
		g.logger.Error("list apps for dashboard failed", "err", err)
		return c.String(http.StatusInternalServerError, "Failed to list apps")
	}
	rows := make([]dashboardRow, 0, len(apps))
	for _, a := range apps {
		rows = append(rows, g.row(a))
	}
	var buf bytes.Buffer
	if err := dashboardTmpl.Execute(&buf, rows); err != nil {
		return err
	}
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}

func (g *Gateway) row(a *app.App) dashboardRow {
	r := dashboardRow{
		Name:  a.Name,
		State: a.State.String(),
		Class: stateClass(a.State),
		Port:  a.Port,
		PID:   "-",
		URL:   "http://" + a.Name + "." + g.domain,
	}
	if a.PID != nil {
		r.PID = strconv.Itoa(*a.PID)
	}
	return r
}

func stateClass(s app.State) string {
	switch s {
	case app.StateRunning:
		return "running"
	case app.StateStopped:
		return "stopped"
	case app.StateCreated:
		return "created"
	}
	return "other"
}
