package handler

import (
	"fmt"
	"net/http"

	"github.com/rpxy-go/rpxy/internal/backend"
)

// serverHeaderValue is the overwrite value for the Server response
// header, spec.md §6 "overwrite to the proxy's identifier".
const serverHeaderValue = "rpxy"

// rewriteDownstreamResponse applies spec.md §4.7 step 10's
// non-101 response rewrite: strip Connection/hop headers, overwrite
// Server, manage Alt-Svc, grounded on handler_main.rs's
// generate_response_forwarded.
func (h *Handler) rewriteDownstreamResponse(resp *http.Response, app *backend.App) {
	headers := resp.Header
	removeConnectionHeader(headers)
	removeHopHeaders(headers)
	headers.Set("Server", serverHeaderValue)

	if h.Config.H3Enabled && !app.MutualTLS && h.Config.HTTPSPort != 0 {
		maxAge := h.Config.H3AltSvcMaxAge
		if maxAge <= 0 {
			maxAge = 86400
		}
		headers.Set("Alt-Svc", fmt.Sprintf(`h3=":%d"; ma=%d, h3-29=":%d"; ma=%d`,
			h.Config.HTTPSPort, maxAge, h.Config.HTTPSPort, maxAge))
	} else {
		headers.Del("Alt-Svc")
	}
}
