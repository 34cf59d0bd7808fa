package rndc

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/ryabkov82/rndc-batch-server/internal/apperror"
	"github.com/ryabkov82/rndc-batch-server/internal/config"
	"github.com/ryabkov82/rndc-batch-server/internal/logger"
	"github.com/ryabkov82/rndc-batch-server/internal/metrics"
	"github.com/ryabkov82/rndc-batch-server/internal/version"
)

// SOAPAction of the registry's single entry point.
const SOAPAction = "urn:BPMServicesIntf-IBPMServices#AtenderMensajeRNDC"

const maxResponseBytes = 4 << 20

var procesoidPattern = regexp.MustCompile(`<procesoid>(\d+)</procesoid>`)

// Client sends requests to the registry web service with retry and backoff.
type Client struct {
	http         *http.Client
	maxRetries   int
	backoffMs    int
	backoffMaxMs int
	log          logger.Logger
}

// NewClient creates a registry client from the rndc configuration section.
func NewClient(cfg config.RNDCConfig, log logger.Logger) *Client {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout(),
		},
		maxRetries:   cfg.MaxRetries,
		backoffMs:    cfg.BackoffMs,
		backoffMaxMs: cfg.BackoffMaxMs,
		log:          log,
	}
}

// Send transmits one request to wsURL and parses the answer.
//
// A registry rejection is not an error: it comes back as a Response with
// Success=false. Errors are transport or decoding failures and carry an
// apperror code.
func (c *Client) Send(ctx context.Context, wsURL, request string) (*Response, error) {
	procesoid := "unknown"
	if m := procesoidPattern.FindStringSubmatch(request); m != nil {
		procesoid = m[1]
	}

	payload, err := encodeEnvelope(request)
	if err != nil {
		return nil, apperror.New(apperror.ErrCodeInvalidRequest, "cannot encode request", err.Error())
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(c.backoffMs) * time.Duration(1<<uint(attempt-1)) * time.Millisecond
			if backoff > time.Duration(c.backoffMaxMs)*time.Millisecond {
				backoff = time.Duration(c.backoffMaxMs) * time.Millisecond
			}

			var httpErr *HTTPError
			if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > 0 {
				backoff = httpErr.RetryAfter
			}

			c.log.WithError(lastErr).Debug("Retrying registry request", map[string]interface{}{
				"attempt":   attempt,
				"procesoid": procesoid,
				"backoff":   backoff.String(),
			})

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		body, err := c.sendOnce(ctx, wsURL, payload)
		metrics.RegistryRequestDuration.WithLabelValues(procesoid).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.RegistryAttempts.WithLabelValues("ok").Inc()
			return decodeAnswer(body)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if !isRetryable(err) {
			metrics.RegistryAttempts.WithLabelValues("fatal").Inc()
			return nil, apperror.New(apperror.ErrCodeRegistryRejected, "registry refused the request", err.Error())
		}
		metrics.RegistryAttempts.WithLabelValues("retryable").Inc()
	}

	return nil, apperror.NewRetryable(apperror.ErrCodeRegistryNetwork, "registry unreachable after retries", lastErr)
}

// Query is Send under the name used by record factories.
func (c *Client) Query(ctx context.Context, wsURL, request string) (*Response, error) {
	return c.Send(ctx, wsURL, request)
}

func (c *Client) sendOnce(ctx context.Context, wsURL string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wsURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request error: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=ISO-8859-1")
	req.Header.Set("SOAPAction", SOAPAction)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response error: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, &HTTPError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func decodeAnswer(body []byte) (*Response, error) {
	inner, err := unwrapEnvelope(body)
	if err != nil {
		return nil, apperror.New(apperror.ErrCodeRegistryResponse, "malformed registry envelope", err.Error())
	}
	resp, err := ParseResponse(inner)
	if err != nil {
		return nil, apperror.New(apperror.ErrCodeRegistryResponse, "malformed registry response", err.Error())
	}
	return resp, nil
}

// encodeEnvelope wraps request in the SOAP call and encodes it as ISO-8859-1.
// Characters outside Latin-1 are replaced.
func encodeEnvelope(request string) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="ISO-8859-1"?>`)
	sb.WriteString(`<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"`)
	sb.WriteString(` xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"`)
	sb.WriteString(` xmlns:xsd="http://www.w3.org/2001/XMLSchema"`)
	sb.WriteString(` xmlns:urn="urn:BPMServicesIntf-IBPMServices">`)
	sb.WriteString(`<soapenv:Header/><soapenv:Body>`)
	sb.WriteString(`<urn:AtenderMensajeRNDC soapenv:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	sb.WriteString(`<Request xsi:type="xsd:string">`)
	sb.WriteString(Escape(request))
	sb.WriteString(`</Request></urn:AtenderMensajeRNDC></soapenv:Body></soapenv:Envelope>`)

	encoded, err := encoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder()).String(sb.String())
	if err != nil {
		return nil, err
	}
	return []byte(encoded), nil
}

// unwrapEnvelope returns the text of the <return> element. A SOAP fault is
// reported as an error carrying its faultstring.
func unwrapEnvelope(body []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charsetReader

	var (
		inReturn bool
		inFault  bool
		text     strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch strings.ToLower(t.Name.Local) {
			case "return":
				inReturn = true
				text.Reset()
			case "faultstring":
				inFault = true
				text.Reset()
			}
		case xml.CharData:
			if inReturn || inFault {
				text.Write(t)
			}
		case xml.EndElement:
			switch strings.ToLower(t.Name.Local) {
			case "return":
				return text.String(), nil
			case "faultstring":
				return "", fmt.Errorf("soap fault: %s", strings.TrimSpace(text.String()))
			}
		}
	}
	return "", errors.New("no return element in envelope")
}

// isRetryable treats network errors, 429 and 5xx as transient.
func isRetryable(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return true
	}
	if httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return httpErr.StatusCode >= 500
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// HTTPError is a non-2xx answer from the registry endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}
