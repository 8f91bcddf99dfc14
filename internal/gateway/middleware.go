package gateway

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"uwgate/internal/provider"
	"uwgate/pkg/logging"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// requestID assigns a UUID to requests that arrive without an ID and echoes
// it on the response. The ID is stored under chi's request ID key, so chi's
// request logger picks it up.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), middleware.RequestIDKey, id)))
	})
}

// RequestIDFrom returns the ID requestID stored on ctx.
func RequestIDFrom(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

// recoverer turns a panic into a 500 JSON body. http.ErrAbortHandler is
// re-raised so net/http can abort the connection.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logging.Error("Gateway", fmt.Errorf("panic: %v", rec), "[%s] %s %s panicked\n%s",
				RequestIDFrom(r.Context()), r.Method, r.URL.Path, debug.Stack())
			writeError(w, http.StatusInternalServerError, provider.ErrorCodeInternal, "internal server error", "")
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLogWriter sends chi's request log lines to the debug log.
type accessLogWriter struct{}

func (accessLogWriter) Print(v ...interface{}) {
	logging.Debug("Gateway", "%s", fmt.Sprint(v...))
}

// accessLog writes one debug line per request with status, size and
// duration.
var accessLog = middleware.RequestLogger(&middleware.DefaultLogFormatter{
	Logger:  accessLogWriter{},
	NoColor: true,
})

// corsHandler allows the configured browser origins, with credentials.
func corsHandler(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
