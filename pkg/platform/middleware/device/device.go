// Package device labels the client device from its User-Agent so audit
// records can say what the actor was using.
package device

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"gatekeeper/pkg/requestcontext"
)

// MaxUserAgentLength bounds the header we are willing to parse.
const MaxUserAgentLength = 512

// Device derives a device label from the User-Agent already placed in the
// context by the metadata middleware. Register it after metadata.
func Device(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if label := Label(requestcontext.UserAgent(ctx)); label != "" {
			ctx = requestcontext.WithDevice(ctx, label)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Label returns "Browser on OS", "Browser on Platform" for mobiles, or
// "bot:<name>" for crawlers. Empty or oversized input yields "".
func Label(userAgent string) string {
	if userAgent == "" || len(userAgent) > MaxUserAgentLength {
		return ""
	}

	ua := useragent.New(userAgent)
	browser, _ := ua.Browser()
	browser = strings.TrimSpace(browser)

	if ua.Bot() {
		if browser == "" {
			browser = "unknown"
		}
		return "bot:" + browser
	}

	if browser == "" {
		browser = "Unknown Browser"
	}
	if ua.Mobile() {
		if platform := strings.TrimSpace(ua.Platform()); platform != "" {
			return browser + " on " + platform
		}
	}
	os := strings.TrimSpace(ua.OS())
	if os == "" {
		os = "Unknown OS"
	}
	return browser + " on " + os
}
