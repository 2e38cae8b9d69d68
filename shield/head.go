package shield

import "net/http"

// HeadToGet rewrites HEAD to GET before routing. The admin routes are
// registered with chi's r.Get only, so without this a HEAD probe against
// /health would get a 405 instead of the status line load balancers expect.
// net/http strips the response body for HEAD on its own.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
