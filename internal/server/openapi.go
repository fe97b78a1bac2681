package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

//go:embed assets
var assets embed.FS

// apiDoc is the served OpenAPI document, also used to check path and query
// parameters of incoming requests.
type apiDoc struct {
	raw    []byte
	doc    *openapi3.T
	router routers.Router
}

func loadAPIDoc(ctx context.Context) (*apiDoc, error) {
	raw, err := assets.ReadFile("assets/openapi.yaml")
	if err != nil {
		return nil, fmt.Errorf("openapi: %w", err)
	}
	doc, err := openapi3.NewLoader().LoadFromData(raw)
	if err != nil {
		return nil, fmt.Errorf("openapi: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: %w", err)
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: %w", err)
	}
	return &apiDoc{raw: raw, doc: doc, router: router}, nil
}

// paramMessages overrides the generic message per parameter.
var paramMessages = map[string]string{
	"format": "Only the json, html and junit reports are supported",
}

// checkParams validates path and query parameters. Bodies are checked by
// the handlers since multipart files need friendlier messages.
func (a *apiDoc) checkParams(r *http.Request) []fieldError {
	route, pathParams, err := a.router.FindRoute(r)
	if err != nil {
		return nil
	}
	err = openapi3filter.ValidateRequest(r.Context(), &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			ExcludeRequestBody: true,
			MultiError:         true,
		},
	})
	if err == nil {
		return nil
	}
	var errs openapi3.MultiError
	if !errors.As(err, &errs) {
		errs = openapi3.MultiError{err}
	}
	var out []fieldError
	for _, e := range errs {
		var re *openapi3filter.RequestError
		if !errors.As(e, &re) || re.Parameter == nil {
			continue
		}
		p := re.Parameter
		fe := fieldError{Type: "field", Path: p.Name, Msg: "Invalid value"}
		switch p.In {
		case openapi3.ParameterInPath:
			fe.Location = "params"
			fe.Value = pathParams[p.Name]
		case openapi3.ParameterInQuery:
			fe.Location = "query"
			fe.Value = r.URL.Query().Get(p.Name)
		default:
			fe.Location = p.In
		}
		if msg, ok := paramMessages[p.Name]; ok {
			fe.Msg = msg
		}
		out = append(out, fe)
	}
	return out
}
