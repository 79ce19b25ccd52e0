package middleware

import "net/http"

// HTTPSRedirectHandler redirects plain HTTP requests to HTTPS. It uses 308
// so carrier webhooks keep their POST method and form body. Meant for the
// port 80 listener next to the TLS server.
func HTTPSRedirectHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusPermanentRedirect)
	})
}
