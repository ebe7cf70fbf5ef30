package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/sigweihq/x402treasury/pkg/types"
)

// ErrNotDelivered marks requests that never produced an HTTP response
// (dial failure, timeout, reset connection).
var ErrNotDelivered = errors.New("request not delivered")

// CreateHTTPClientWithTimeouts builds the client used for facilitator and agent calls.
// A zero timeout falls back to constants.FacilitatorTimeout.
func CreateHTTPClientWithTimeouts(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = constants.FacilitatorTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSHandshakeTimeout:   constants.TLSHandshakeTimeout,
			ResponseHeaderTimeout: constants.ResponseHeaderTimeout,
			ExpectContinueTimeout: constants.ExpectContinueTimeout,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse // Disable redirects to prevent redirect-based SSRF
		},
	}
}

// ValidateFacilitatorURL validates that a facilitator URL is secure
// Returns error if URL doesn't use HTTPS (except for localhost/127.0.0.1 for testing)
func ValidateFacilitatorURL(url string) error {
	if !strings.HasPrefix(url, "https://") {
		if strings.HasPrefix(url, "http://localhost") ||
			strings.HasPrefix(url, "http://127.0.0.1") ||
			strings.HasPrefix(url, "http://[::1]") {
			return nil
		}
		return fmt.Errorf("facilitator URL must use HTTPS: %s", url)
	}
	return nil
}

// ExtractExtraData reads the EIP-712 domain name and version advertised in
// PaymentRequirements.Extra
func ExtractExtraData(req *types.PaymentRequirements) (string, string, error) {
	if req.Extra == nil {
		return "", "", fmt.Errorf("Extra data is nil")
	}

	name, ok := req.Extra["name"].(string)
	if !ok {
		return "", "", fmt.Errorf("name field missing or not a string")
	}

	version, ok := req.Extra["version"].(string)
	if !ok {
		return "", "", fmt.Errorf("version field missing or not a string")
	}

	return name, version, nil
}

// HashTypedData returns the EIP-712 digest keccak256("\x19\x01" || domainSeparator || hashStruct(message))
func HashTypedData(typedData apitypes.TypedData) ([]byte, error) {
	hash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	return crypto.Keccak256([]byte("\x19\x01"), domainSeparator, hash), nil
}

// MakeJSONRequest is a generic helper for making HTTP requests with JSON payloads
// It handles marshaling, auth headers, and response decoding.
// Transport failures wrap ErrNotDelivered; non-2xx responses return *HTTPError.
func MakeJSONRequest[T any](
	ctx context.Context,
	client *http.Client,
	method string,
	url string,
	requestBody any,
	createAuthHeaders func() (map[string]map[string]string, error),
	endpointName string, // e.g., "verify", "settle" - used to look up auth headers
) (*T, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		jsonBody, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", constants.MimeTypeJSON)

	if createAuthHeaders != nil {
		headers, err := createAuthHeaders()
		if err != nil {
			return nil, fmt.Errorf("failed to create auth headers: %w", err)
		}
		if endpointHeaders, ok := headers[endpointName]; ok {
			for key, value := range endpointHeaders {
				req.Header.Set(key, value)
			}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w: %w", endpointName, ErrNotDelivered, err)
	}
	defer resp.Body.Close()

	limitedReader := io.LimitReader(resp.Body, int64(constants.MaxResponseBodySize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(limitedReader)
		return nil, fmt.Errorf("%s request failed: %w", endpointName, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       body,
		})
	}

	var result T
	if err := json.NewDecoder(limitedReader).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", endpointName, err)
	}

	return &result, nil
}
