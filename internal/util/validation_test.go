package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidatePort(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidatePort(1))
	assert.NoError(t, ValidatePort(8080))
	assert.NoError(t, ValidatePort(65535))
	assert.Error(t, ValidatePort(0))
	assert.Error(t, ValidatePort(-1))
	assert.Error(t, ValidatePort(65536))
}

func TestValidateHostPort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{name: "valid host port", addr: "10.0.0.1:8080", wantErr: false},
		{name: "valid hostname port", addr: "users.internal:9090", wantErr: false},
		{name: "valid ipv6", addr: "[::1]:8080", wantErr: false},
		{name: "empty", addr: "", wantErr: true},
		{name: "missing port", addr: "10.0.0.1", wantErr: true},
		{name: "port zero", addr: "10.0.0.1:0", wantErr: true},
		{name: "port out of range", addr: "10.0.0.1:70000", wantErr: true},
		{name: "non numeric port", addr: "10.0.0.1:http", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateHostPort(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateHeaderName(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateHeaderName("X-Request-Id"))
	assert.NoError(t, ValidateHeaderName("Content-Type"))
	assert.Error(t, ValidateHeaderName(""))
	assert.Error(t, ValidateHeaderName("invalid header"))
	assert.Error(t, ValidateHeaderName("header:name"))
}

func TestValidateRegex(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateRegex(""))
	assert.NoError(t, ValidateRegex(`^/api/v[0-9]+/.*$`))
	assert.Error(t, ValidateRegex(`[unclosed`))
}

func TestValidateHTTPMethod(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateHTTPMethod("GET"))
	assert.NoError(t, ValidateHTTPMethod("post"))
	assert.NoError(t, ValidateHTTPMethod("*"))
	assert.Error(t, ValidateHTTPMethod("FETCH"))
}

func TestValidateWeight(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateWeight(0))
	assert.NoError(t, ValidateWeight(50))
	assert.NoError(t, ValidateWeight(100))
	assert.Error(t, ValidateWeight(-1))
	assert.Error(t, ValidateWeight(101))
}

func TestValidatePositiveDuration(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidatePositiveDuration(time.Second))
	assert.Error(t, ValidatePositiveDuration(0))
	assert.Error(t, ValidatePositiveDuration(-time.Second))
}

func TestValidateHostname(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateHostname("example.com"))
	assert.NoError(t, ValidateHostname("*"))
	assert.NoError(t, ValidateHostname("*.example.com"))
	assert.Error(t, ValidateHostname(""))
	assert.Error(t, ValidateHostname("exa mple.com"))
	assert.Error(t, ValidateHostname("-example.com"))
}

func TestValidateIPAddress(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateIPAddress("0.0.0.0"))
	assert.NoError(t, ValidateIPAddress("::"))
	assert.NoError(t, ValidateIPAddress("192.0.2.1"))
	assert.NoError(t, ValidateIPAddress("2001:db8::1"))
	assert.Error(t, ValidateIPAddress(""))
	assert.Error(t, ValidateIPAddress("999.1.1.1"))
	assert.Error(t, ValidateIPAddress("not-an-ip"))
}
