package server

import "net/http"

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /health", chain(
		http.HandlerFunc(s.handleHealth),
		LoggingMiddleware,
	))

	mux.Handle("GET /v1/providers/status", chain(
		http.HandlerFunc(s.handleProviderStatus),
		LoggingMiddleware,
	))

	mux.Handle("POST /v1/sessions", chain(
		http.HandlerFunc(s.handleCreateSession),
		LoggingMiddleware,
		RequestSizeLimitMiddleware(defaultMaxBodySize),
	))

	mux.Handle("POST /v1/sessions/{id}/usage", chain(
		http.HandlerFunc(s.handleReportUsage),
		LoggingMiddleware,
		RequestSizeLimitMiddleware(defaultMaxBodySize),
	))

	mux.Handle("DELETE /v1/sessions/{id}", chain(
		http.HandlerFunc(s.handleEndSession),
		LoggingMiddleware,
	))

	return mux
}

func chain(handler http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}
