package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
)

func NewAPIRouter() *mux.Router {
	r := mux.NewRouter()

	r.NewRoute().Name(Ping).Methods("GET").Path("/v1/ping")
	r.NewRoute().Name(Version).Methods("GET").Path("/v1/version")

	r.NewRoute().Name(Webhook).Methods("POST").Path("/v1/webhooks/bitbucket")
	r.NewRoute().Name(RunStep).Methods("POST").Path("/v1/steps/{step}")

	r.NewRoute().Name(ListExecutions).Methods("GET").Path("/v1/executions")
	r.NewRoute().Name(ExecutionStatus).Methods("GET").Path("/v1/executions/{id}")
	r.NewRoute().Name(JobStatus).Methods("GET").Path("/v1/jobs").Queries("id", "{id}")

	return r
}

// MakeURL builds the URL of the named route under endpoint. Route
// variables and query parameters are given as alternating names and
// values; names the route path does not use go in the query.
func MakeURL(endpoint string, router *mux.Router, routeName string, urlParams ...string) (*url.URL, error) {
	if len(urlParams)%2 != 0 {
		panic("urlParams must be even!")
	}

	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing endpoint %s", endpoint)
	}
	route := router.Get(routeName)
	if route == nil {
		return nil, errors.New("no route with name " + routeName)
	}
	tmpl, err := route.GetPathTemplate()
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving route template %s", routeName)
	}

	var pathParams []string
	query := url.Values{}
	for i := 0; i < len(urlParams); i += 2 {
		if strings.Contains(tmpl, "{"+urlParams[i]+"}") {
			pathParams = append(pathParams, urlParams[i], urlParams[i+1])
		} else {
			query.Add(urlParams[i], urlParams[i+1])
		}
	}
	routeURL, err := route.URLPath(pathParams...)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving route path %s", routeName)
	}

	endpointURL.Path = path.Join(endpointURL.Path, routeURL.Path)
	endpointURL.RawQuery = query.Encode()
	return endpointURL, nil
}

func WriteError(w http.ResponseWriter, r *http.Request, code int, err error) {
	// Clients that decode errors ask for JSON; anything else gets the
	// help text, or the bare error.
	if len(r.Header.Get("Accept")) > 0 {
		switch negotiate(r, "application/json", "text/plain") {
		case "application/json":
			body, encodeErr := json.Marshal(err)
			if encodeErr != nil {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, "Error encoding error response: %s\n\nOriginal error: %s", encodeErr.Error(), err.Error())
				return
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(code)
			w.Write(body)
			return
		case "text/plain":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(code)
			if e, ok := err.(*pipeerr.Error); ok && e.Help != "" {
				fmt.Fprint(w, e.Help)
			} else {
				fmt.Fprint(w, err.Error())
			}
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprint(w, err.Error())
}

func JSONResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	writeJSON(w, r, http.StatusOK, result)
}

// AcceptedResponse answers for work that has been queued.
func AcceptedResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	writeJSON(w, r, http.StatusAccepted, result)
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, result interface{}) {
	body, err := json.Marshal(result)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(body)
}

// StatusCode is the HTTP status an error is answered with.
func StatusCode(err error) int {
	switch pipeerr.TypeOf(err) {
	case pipeerr.Missing:
		return http.StatusNotFound
	case pipeerr.User:
		return http.StatusUnprocessableEntity
	case pipeerr.NotReady:
		return http.StatusServiceUnavailable
	case pipeerr.Conflict:
		return http.StatusConflict
	case pipeerr.TimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func ErrorResponse(w http.ResponseWriter, r *http.Request, apiError error) {
	outErr, ok := pipeerr.As(apiError)
	if !ok {
		outErr = pipeerr.CoverAllError(apiError)
	}
	WriteError(w, r, StatusCode(outErr), outErr)
}
