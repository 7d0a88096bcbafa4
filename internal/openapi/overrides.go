package openapi

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/fabian4/gateway-composer/internal/schema"
)

// Overrides are per-path adjustments applied to one application's document
// before it is merged.
//
//	paths:
//	  /internal: { ignore: true }
//	  /users/{id}:
//	    alias: /people/{personId}
//	    delete: { ignore: true }
type Overrides struct {
	Paths map[string]PathOverride
}

type PathOverride struct {
	Ignore  bool
	Alias   string
	Methods map[string]MethodOverride
}

type MethodOverride struct {
	Ignore bool
}

// LoadOverrides reads a YAML or JSON overrides file.
func LoadOverrides(path string) (*Overrides, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overrides: %w", err)
	}
	raw, err := schema.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("overrides %s: %w", path, err)
	}
	return ParseOverrides(raw)
}

func ParseOverrides(raw map[string]any) (*Overrides, error) {
	o := &Overrides{Paths: make(map[string]PathOverride)}
	paths, _ := raw["paths"].(map[string]any)
	for p, v := range paths {
		entry, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("overrides: paths[%q] must be an object", p)
		}
		po := PathOverride{Methods: make(map[string]MethodOverride)}
		for k, vv := range entry {
			switch {
			case k == "ignore":
				po.Ignore, _ = vv.(bool)
			case k == "alias":
				s, _ := vv.(string)
				if s != "" && !strings.HasPrefix(s, "/") {
					return nil, fmt.Errorf("overrides: paths[%q].alias must start with '/'", p)
				}
				po.Alias = s
			case isMethod(strings.ToLower(k)):
				mo, _ := vv.(map[string]any)
				ign, _ := mo["ignore"].(bool)
				po.Methods[strings.ToLower(k)] = MethodOverride{Ignore: ign}
			default:
				return nil, fmt.Errorf("overrides: paths[%q]: unknown key %q", p, k)
			}
		}
		o.Paths[p] = po
	}
	return o, nil
}

func (o *Overrides) path(p string) PathOverride {
	if o == nil {
		return PathOverride{}
	}
	return o.Paths[p]
}

func (po PathOverride) methodIgnored(m string) bool {
	return po.Methods[m].Ignore
}

var paramRe = regexp.MustCompile(`\{([^}/]+)\}`)

// TemplateParams lists the placeholder names of a path template in order.
func TemplateParams(tpl string) []string {
	var names []string
	for _, m := range paramRe.FindAllStringSubmatch(tpl, -1) {
		names = append(names, m[1])
	}
	return names
}

// aliasParams pairs the placeholders of a path with those of its alias by
// position.
func aliasParams(path, alias string) (map[string]string, error) {
	from, to := TemplateParams(path), TemplateParams(alias)
	if len(from) != len(to) {
		return nil, fmt.Errorf("alias %q has %d path parameters, %q has %d", alias, len(to), path, len(from))
	}
	names := make(map[string]string, len(from))
	for i := range from {
		if from[i] != to[i] {
			names[from[i]] = to[i]
		}
	}
	return names, nil
}

// renameParams renames path parameters declared on the path item and on
// each of its operations.
func renameParams(item map[string]any, names map[string]string) {
	if len(names) == 0 {
		return
	}
	rename := func(v any) {
		for _, p := range asSlice(v) {
			pm, ok := p.(map[string]any)
			if !ok || pm["in"] != "path" {
				continue
			}
			if n, ok := names[fmt.Sprint(pm["name"])]; ok {
				pm["name"] = n
			}
		}
	}
	rename(item["parameters"])
	for _, m := range methods {
		if op, ok := item[m].(map[string]any); ok {
			rename(op["parameters"])
		}
	}
}
