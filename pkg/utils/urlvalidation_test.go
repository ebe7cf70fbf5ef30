package utils

import (
	"testing"

	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/stretchr/testify/assert"
)

func TestValidateFacilitatorURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{
			name:    "default local facilitator",
			url:     constants.DefaultFacilitatorURL,
			wantErr: false,
		},
		{
			name:    "valid HTTPS URL",
			url:     "https://facilitator.cronoslabs.org",
			wantErr: false,
		},
		{
			name:    "valid HTTPS URL with path",
			url:     "https://x402.org/facilitator",
			wantErr: false,
		},
		{
			name:    "invalid HTTP URL",
			url:     "http://facilitator.cronoslabs.org",
			wantErr: true,
		},
		{
			name:    "valid localhost for testing",
			url:     "http://localhost:8080",
			wantErr: false,
		},
		{
			name:    "valid 127.0.0.1 for testing",
			url:     "http://127.0.0.1:8080",
			wantErr: false,
		},
		{
			name:    "valid IPv6 localhost for testing",
			url:     "http://[::1]:8080",
			wantErr: false,
		},
		{
			name:    "invalid no protocol",
			url:     "facilitator.cronoslabs.org",
			wantErr: true,
		},
		{
			name:    "invalid empty URL",
			url:     "",
			wantErr: true,
		},
		{
			name:    "invalid ftp protocol",
			url:     "ftp://facilitator.cronoslabs.org",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFacilitatorURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
