package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/xerrors"
)

// Recover turns a handler panic into an error log line and a JSON 500.
// onPanic may be nil. http.ErrAbortHandler is re-panicked so net/http can
// abort the connection.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}

				err, ok := v.(error)
				if ok {
					err = xerrors.Wrap(err, "panic")
				} else {
					err = xerrors.Newf("panic: %v", v)
				}
				logger.Error(r.Context(), err, "handler panicked",
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"panic_stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic()
				}
				WriteError(w, http.StatusInternalServerError, "internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
