package graphql

import (
	"net/http"

	"github.com/99designs/gqlgen/graphql/playground"
)

// GraphiQL serves the interactive explorer for the composed endpoint.
func GraphiQL(endpoint string) http.Handler {
	return playground.Handler("GraphiQL", endpoint)
}
