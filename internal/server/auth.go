package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	HeaderInternalSecret    = "X-Internal-Secret"
	HeaderProviderSignature = "X-Twilio-Signature"
)

// InternalSecretRequired authenticates service-to-service callers with the
// shared internal secret. There is no per-caller identity on this surface.
func (s *Server) InternalSecretRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.InternalSecret
		if secret == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		provided := strings.TrimSpace(c.GetHeader(HeaderInternalSecret))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// ProviderSignatureRequired authenticates telephony status callbacks. The
// provider cannot carry the internal secret, so it signs each request with
// the account auth token: base64(HMAC-SHA1(token, url + sorted form pairs)).
func (s *Server) ProviderSignatureRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.cfg.Telephony.AuthToken
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := c.Request.ParseForm(); err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		expected := callbackSignature(token, s.callbackRequestURL(c), c.Request.PostForm)
		provided := strings.TrimSpace(c.GetHeader(HeaderProviderSignature))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// callbackRequestURL reconstructs the URL the provider signed. The
// configured callback URL is authoritative when set, since the service
// usually sits behind a proxy that rewrites scheme and host.
func (s *Server) callbackRequestURL(c *gin.Context) string {
	if base := s.cfg.Telephony.CallbackURL; base != "" {
		if q := c.Request.URL.RawQuery; q != "" {
			return base + "?" + q
		}
		return base
	}
	scheme := "https"
	if c.Request.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + c.Request.Host + c.Request.RequestURI
}

func callbackSignature(token, requestURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(requestURL))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(form.Get(k)))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
