package handler

import (
	"bytes"
	"html/template"
	"sort"

	"github.com/fabian4/gateway-composer/internal/composer"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem auto; max-width: 48rem; color: #222; }
table { border-collapse: collapse; width: 100%; }
td, th { text-align: left; padding: .4rem .6rem; border-bottom: 1px solid #ddd; }
code { background: #f4f4f4; padding: 0 .2rem; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<ul>
<li><a href="/documentation/json">OpenAPI document</a></li>
{{- if .GraphiQL}}
<li><a href="/graphiql">GraphiQL</a></li>
{{- end}}
</ul>
<table>
<tr><th>Application</th><th>Mount</th><th>Kind</th></tr>
{{- range .Applications}}
<tr><td>{{.ID}}</td><td>{{if .Hostname}}<code>{{.Hostname}}</code> {{end}}{{if .Prefix}}<code>{{.Prefix}}</code>{{end}}</td><td>{{.Kind}}</td></tr>
{{- end}}
</table>
</body>
</html>
`))

type indexApp struct {
	ID       string
	Prefix   string
	Hostname string
	Kind     string
}

func renderIndex(res *composer.Result) ([]byte, error) {
	data := struct {
		Title        string
		GraphiQL     bool
		Applications []indexApp
	}{
		Title:    res.Config.OpenAPI.Title,
		GraphiQL: res.GraphQL != nil && res.Config.GraphQL.GraphiQL,
	}
	if data.Title == "" {
		data.Title = "Gateway"
	}
	for _, a := range res.Applications {
		ia := indexApp{ID: a.ID, Kind: "proxy"}
		if a.Proxy != nil {
			ia.Prefix = a.Proxy.Prefix
			ia.Hostname = a.Proxy.Hostname
		}
		switch {
		case a.OpenAPI != nil && a.GraphQL != nil:
			ia.Kind = "openapi, graphql"
		case a.OpenAPI != nil:
			ia.Kind = "openapi"
			if ia.Prefix == "" {
				ia.Prefix = a.OpenAPI.Prefix
			}
		case a.GraphQL != nil:
			ia.Kind = "graphql"
		}
		data.Applications = append(data.Applications, ia)
	}
	sort.Slice(data.Applications, func(i, j int) bool { return data.Applications[i].ID < data.Applications[j].ID })

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
