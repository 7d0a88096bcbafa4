package openapi

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/gateway-composer/internal/model"
	"github.com/fabian4/gateway-composer/internal/schema"
)

type fakeFetcher map[string]string

func (f fakeFetcher) FetchOpenAPI(_ context.Context, app model.Application) (map[string]any, error) {
	raw, ok := f[app.ID]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return schema.Decode([]byte(raw))
}

const usersDoc = `{
  "openapi": "3.0.3",
  "info": {"title": "users", "version": "1"},
  "paths": {
    "/users": {
      "get": {
        "operationId": "list",
        "responses": {"200": {"description": "ok", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/User"}}}}}
      }
    }
  },
  "components": {
    "schemas": {
      "User": {"type": "object", "properties": {"name": {"type": "string"}}},
      "Error": {"type": "object", "properties": {"message": {"type": "string"}}}
    },
    "securitySchemes": {
      "apiKey": {"type": "apiKey", "in": "header", "name": "x-api-key"}
    }
  },
  "security": [{"apiKey": []}]
}`

const postsDoc = `{
  "openapi": "3.0.3",
  "info": {"title": "posts", "version": "1"},
  "paths": {
    "/posts": {
      "get": {
        "operationId": "list",
        "responses": {
          "200": {"description": "ok", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Post"}}}},
          "500": {"description": "err", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Error"}}}}
        }
      },
      "delete": {
        "security": [{"apiKey": []}],
        "responses": {"204": {"description": "gone"}}
      }
    }
  },
  "components": {
    "schemas": {
      "User": {"type": "object", "properties": {"id": {"type": "integer"}}},
      "Post": {"type": "object", "properties": {"author": {"$ref": "#/components/schemas/User"}}},
      "Error": {"type": "object", "properties": {"message": {"type": "string"}}}
    },
    "securitySchemes": {
      "apiKey": {"type": "apiKey", "in": "query", "name": "key"}
    }
  }
}`

func exampleApps() []model.Application {
	return []model.Application{
		{ID: "api1", Origin: "http://h1", OpenAPI: &model.OpenAPISource{URL: "/documentation/json"}, Proxy: &model.ProxyOptions{Prefix: "/api1"}},
		{ID: "api2", Origin: "http://h2", OpenAPI: &model.OpenAPISource{URL: "/documentation/json"}, Proxy: &model.ProxyOptions{Prefix: "/api2"}},
		{ID: "frontend", Origin: "http://h3", Proxy: &model.ProxyOptions{Prefix: "/frontend"}},
	}
}

func compose(t *testing.T, apps []model.Application, f Fetcher, opts Options) *Composed {
	t.Helper()
	c, err := Compose(context.Background(), apps, f, opts)
	require.NoError(t, err)
	return c
}

func paths(t *testing.T, c *Composed) map[string]any {
	t.Helper()
	p, ok := c.Document["paths"].(map[string]any)
	require.True(t, ok)
	return p
}

func TestCompose_PrefixesAndExcludesProxyMounts(t *testing.T) {
	c := compose(t, exampleApps(), fakeFetcher{"api1": usersDoc, "api2": postsDoc}, Options{})

	p := paths(t, c)
	assert.Contains(t, p, "/api1/users")
	assert.Contains(t, p, "/api2/posts")
	assert.NotContains(t, p, "/api1")
	assert.NotContains(t, p, "/api2")
	assert.NotContains(t, p, "/frontend")
	assert.Len(t, p, 2)

	assert.ElementsMatch(t, []Operation{
		{Method: "GET", Path: "/api1/users", AppID: "api1", OriginalPath: "/users", Prefix: "/api1"},
		{Method: "GET", Path: "/api2/posts", AppID: "api2", OriginalPath: "/posts", Prefix: "/api2"},
		{Method: "DELETE", Path: "/api2/posts", AppID: "api2", OriginalPath: "/posts", Prefix: "/api2"},
	}, c.Operations)
	assert.Len(t, c.Sources, 2)
}

func TestCompose_OpenAPIPrefixWins(t *testing.T) {
	apps := []model.Application{{ID: "api1", OpenAPI: &model.OpenAPISource{URL: "/doc", Prefix: "/v1"}, Proxy: &model.ProxyOptions{Prefix: "/api1"}}}
	c := compose(t, apps, fakeFetcher{"api1": usersDoc}, Options{})
	assert.Contains(t, paths(t, c), "/v1/users")
	require.Len(t, c.Operations, 1)
	assert.Equal(t, "/v1", c.Operations[0].Prefix)
}

func TestCompose_ComponentCollisionsAreNamespaced(t *testing.T) {
	c := compose(t, exampleApps(), fakeFetcher{"api1": usersDoc, "api2": postsDoc}, Options{})

	comps := c.Document["components"].(map[string]any)
	schemas := comps["schemas"].(map[string]any)
	assert.Contains(t, schemas, "User")
	assert.Contains(t, schemas, "api2_User", "same name, different shape")
	assert.Contains(t, schemas, "Error")
	assert.NotContains(t, schemas, "api2_Error", "identical definitions are shared")

	// Post is new, but its reference follows the renamed User
	assert.Contains(t, schemas, "Post")
	post := schemas["Post"].(map[string]any)
	author := post["properties"].(map[string]any)["author"].(map[string]any)
	assert.Equal(t, "#/components/schemas/api2_User", author["$ref"])

	sec := comps["securitySchemes"].(map[string]any)
	assert.Contains(t, sec, "apiKey")
	assert.Contains(t, sec, "api2_apiKey")

	del := paths(t, c)["/api2/posts"].(map[string]any)["delete"].(map[string]any)
	assert.Equal(t, []any{map[string]any{"api2_apiKey": []any{}}}, del["security"])

	get := paths(t, c)["/api1/users"].(map[string]any)["get"].(map[string]any)
	assert.Equal(t, []any{map[string]any{"apiKey": []any{}}}, get["security"], "top-level security moves onto operations")

	assert.Empty(t, UnresolvedRefs(c.Document))
}

func TestCompose_TransitiveRename(t *testing.T) {
	a := `{"paths": {"/a": {"get": {"responses": {"200": {"description": "ok", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Post"}}}}}}}},
	       "components": {"schemas": {"User": {"type": "string"}, "Post": {"properties": {"u": {"$ref": "#/components/schemas/User"}}}}}}`
	b := `{"paths": {"/b": {"get": {"responses": {"200": {"description": "ok", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Post"}}}}}}}},
	       "components": {"schemas": {"User": {"type": "integer"}, "Post": {"properties": {"u": {"$ref": "#/components/schemas/User"}}}}}}`
	apps := []model.Application{
		{ID: "a", OpenAPI: &model.OpenAPISource{URL: "/d"}},
		{ID: "b", OpenAPI: &model.OpenAPISource{URL: "/d"}},
	}
	c := compose(t, apps, fakeFetcher{"a": a, "b": b}, Options{})

	schemas := c.Document["components"].(map[string]any)["schemas"].(map[string]any)
	require.Contains(t, schemas, "b_Post")
	u := schemas["b_Post"].(map[string]any)["properties"].(map[string]any)["u"].(map[string]any)
	assert.Equal(t, "#/components/schemas/b_User", u["$ref"])

	resp := paths(t, c)["/b"].(map[string]any)["get"].(map[string]any)["responses"].(map[string]any)["200"].(map[string]any)
	ref := resp["content"].(map[string]any)["application/json"].(map[string]any)["schema"].(map[string]any)["$ref"]
	assert.Equal(t, "#/components/schemas/b_Post", ref)
	assert.Empty(t, UnresolvedRefs(c.Document))
}

func TestCompose_UniqueOperationIDs(t *testing.T) {
	c := compose(t, exampleApps(), fakeFetcher{"api1": usersDoc, "api2": postsDoc}, Options{})

	ids := map[string]int{}
	for _, item := range paths(t, c) {
		for _, op := range item.(map[string]any) {
			if om, ok := op.(map[string]any); ok {
				if id, ok := om["operationId"].(string); ok {
					ids[id]++
				}
			}
		}
	}
	assert.Equal(t, map[string]int{"list": 1, "api2_list": 1}, ids)
}

func TestCompose_Idempotent(t *testing.T) {
	f := fakeFetcher{"api1": usersDoc, "api2": postsDoc}
	a, err := compose(t, exampleApps(), f, Options{}).JSON()
	require.NoError(t, err)
	b, err := compose(t, exampleApps(), f, Options{}).JSON()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCompose_FetchFailureOmitsApplication(t *testing.T) {
	c := compose(t, exampleApps(), fakeFetcher{"api2": postsDoc}, Options{})
	p := paths(t, c)
	assert.NotContains(t, p, "/api1/users")
	assert.Contains(t, p, "/api2/posts")
	assert.NotContains(t, c.Sources, "api1")
}

func TestCompose_IgnoreAndAlias(t *testing.T) {
	doc := `{"paths": {
	  "/internal": {"get": {"responses": {"200": {"description": "ok"}}}},
	  "/users/{id}": {
	    "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
	    "get": {"responses": {"200": {"description": "ok"}}},
	    "delete": {"responses": {"204": {"description": "gone"}}}
	  },
	  "/health": {"get": {"responses": {"200": {"description": "ok"}}}}
	}}`
	cfg := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
paths:
  /internal:
    ignore: true
  /health:
    get: { ignore: true }
  /users/{id}:
    alias: /people/{personId}
    delete: { ignore: true }
`), 0o644))

	apps := []model.Application{{ID: "svc", OpenAPI: &model.OpenAPISource{URL: "/d", Prefix: "/svc", Config: cfg}}}
	c := compose(t, apps, fakeFetcher{"svc": doc}, Options{})

	p := paths(t, c)
	assert.NotContains(t, p, "/svc/internal")
	assert.NotContains(t, p, "/svc/health", "all methods ignored drops the path")
	require.Contains(t, p, "/svc/people/{personId}")

	item := p["/svc/people/{personId}"].(map[string]any)
	assert.NotContains(t, item, "delete")
	param := item["parameters"].([]any)[0].(map[string]any)
	assert.Equal(t, "personId", param["name"])

	assert.Equal(t, []Operation{{Method: "GET", Path: "/svc/people/{personId}", AppID: "svc", OriginalPath: "/users/{id}", Prefix: "/svc"}}, c.Operations)
}

func TestCompose_AddEmptySchema(t *testing.T) {
	c := compose(t, exampleApps(), fakeFetcher{"api2": postsDoc}, Options{AddEmptySchema: true})

	res := paths(t, c)["/api2/posts"].(map[string]any)["delete"].(map[string]any)["responses"].(map[string]any)["204"].(map[string]any)
	assert.Equal(t, map[string]any{"application/json": map[string]any{"schema": map[string]any{}}}, res["content"])
}

func TestCompose_ValidatesWithKinOpenAPI(t *testing.T) {
	c := compose(t, exampleApps(), fakeFetcher{"api1": usersDoc, "api2": postsDoc}, Options{Title: "gw", Version: "2.0.0", AddEmptySchema: true})
	raw, err := c.JSON()
	require.NoError(t, err)
	require.NoError(t, Validate(context.Background(), raw))

	var info struct {
		Info struct{ Title, Version string } `json:"info"`
	}
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.Equal(t, "gw", info.Info.Title)
}

func TestUnresolvedRefs(t *testing.T) {
	doc := map[string]any{
		"paths": map[string]any{"/x": map[string]any{"$ref": "#/components/schemas/Missing"}},
		"components": map[string]any{"schemas": map[string]any{
			"A": map[string]any{"$ref": "#/components/schemas/B"},
			"B": map[string]any{"type": "string"},
		}},
	}
	assert.Equal(t, []string{"#/components/schemas/Missing"}, UnresolvedRefs(doc))
}

func TestParseOverrides_Errors(t *testing.T) {
	_, err := ParseOverrides(map[string]any{"paths": map[string]any{"/a": map[string]any{"alias": "b"}}})
	assert.Error(t, err)
	_, err = ParseOverrides(map[string]any{"paths": map[string]any{"/a": map[string]any{"rename": "/b"}}})
	assert.Error(t, err)
}
