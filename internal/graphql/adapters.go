package graphql

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"
)

var ErrUnknownAdapter = errors.New("unknown args adapter")

// ArgsAdapter turns a batch of entity keys into the arguments of the entity
// resolver field.
type ArgsAdapter func(pkey string, keys []any) map[string]any

var (
	adaptersMu sync.RWMutex
	adapters   = map[string]ArgsAdapter{
		// users(ids: [1, 2])
		"ids": func(_ string, keys []any) map[string]any {
			return map[string]any{"ids": keys}
		},
		// users(where: { id: { in: [1, 2] } })
		"where_in": func(pkey string, keys []any) map[string]any {
			return map[string]any{"where": map[string]any{pkey: map[string]any{"in": keys}}}
		},
	}
)

// RegisterAdapter makes an adapter available by name. It is meant to be
// called from init functions.
func RegisterAdapter(name string, fn ArgsAdapter) {
	adaptersMu.Lock()
	defer adaptersMu.Unlock()
	if fn == nil {
		panic("graphql: nil args adapter " + name)
	}
	adapters[name] = fn
}

func Adapter(name string) (ArgsAdapter, bool) {
	adaptersMu.RLock()
	defer adaptersMu.RUnlock()
	fn, ok := adapters[name]
	return fn, ok
}

// argumentList renders adapter output as literal field arguments.
func argumentList(args map[string]any) ast.ArgumentList {
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make(ast.ArgumentList, 0, len(names))
	for _, n := range names {
		out = append(out, &ast.Argument{Name: n, Value: literal(args[n])})
	}
	return out
}

func literal(v any) *ast.Value {
	switch t := v.(type) {
	case nil:
		return &ast.Value{Kind: ast.NullValue, Raw: "null"}
	case string:
		return &ast.Value{Kind: ast.StringValue, Raw: t}
	case bool:
		return &ast.Value{Kind: ast.BooleanValue, Raw: strconv.FormatBool(t)}
	case json.Number:
		if strings.ContainsAny(string(t), ".eE") {
			return &ast.Value{Kind: ast.FloatValue, Raw: string(t)}
		}
		return &ast.Value{Kind: ast.IntValue, Raw: string(t)}
	case int:
		return &ast.Value{Kind: ast.IntValue, Raw: strconv.Itoa(t)}
	case int64:
		return &ast.Value{Kind: ast.IntValue, Raw: strconv.FormatInt(t, 10)}
	case float64:
		if t == float64(int64(t)) {
			return &ast.Value{Kind: ast.IntValue, Raw: strconv.FormatInt(int64(t), 10)}
		}
		return &ast.Value{Kind: ast.FloatValue, Raw: strconv.FormatFloat(t, 'g', -1, 64)}
	case []any:
		val := &ast.Value{Kind: ast.ListValue}
		for _, item := range t {
			val.Children = append(val.Children, &ast.ChildValue{Value: literal(item)})
		}
		return val
	case map[string]any:
		val := &ast.Value{Kind: ast.ObjectValue}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			val.Children = append(val.Children, &ast.ChildValue{Name: k, Value: literal(t[k])})
		}
		return val
	default:
		return &ast.Value{Kind: ast.StringValue, Raw: fmt.Sprint(t)}
	}
}
