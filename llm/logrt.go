package llm

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httputil"
	"regexp"

	"github.com/sage-x-project/sage-paywall/logger"
)

// loggingRT dumps provider traffic at debug level with credentials redacted.
type loggingRT struct {
	base http.RoundTripper
	log  *logger.Logger
}

var secretRe = regexp.MustCompile(`(?i)(Authorization:\s*Bearer\s+|x-api-key:\s*|x-goog-api-key:\s*)[A-Za-z0-9\-\._~+/=]+`)

func redact(dump []byte) []byte {
	return secretRe.ReplaceAll(dump, []byte("${1}***REDACTED***"))
}

func (l *loggingRT) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(b))
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil }
		if d, err := httputil.DumpRequestOut(req, true); err == nil {
			l.log.Debugf("llm outbound %s %s\n%s", req.Method, req.URL.Redacted(), redact(d))
		}
		req.Body = io.NopCloser(bytes.NewReader(b))
	}

	resp, err := l.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if resp.Body != nil {
		b, _ := io.ReadAll(resp.Body)
		resp.Body = io.NopCloser(bytes.NewReader(b))
		d, _ := httputil.DumpResponse(resp, true)
		if len(d) > 4096 {
			d = append(d[:4096], []byte("\n... (truncated) ...")...)
		}
		l.log.Debugf("llm inbound %s %s\n%s", req.Method, req.URL.Redacted(), d)
		resp.Body = io.NopCloser(bytes.NewReader(b))
	}
	return resp, nil
}
