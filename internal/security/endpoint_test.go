package security

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubDNS(t *testing.T, answers map[string][]string) {
	t.Helper()
	orig := lookupHost
	lookupHost = func(_ context.Context, host string) ([]netip.Addr, error) {
		raw, ok := answers[host]
		if !ok {
			return nil, errors.New("no such host")
		}
		out := make([]netip.Addr, 0, len(raw))
		for _, s := range raw {
			out = append(out, netip.MustParseAddr(s))
		}
		return out, nil
	}
	t.Cleanup(func() { lookupHost = orig })
}

func TestValidateEndpointURL(t *testing.T) {
	stubDNS(t, map[string][]string{
		"hooks.market.example": {"93.184.216.34"},
		"kyc.vendor.example":   {"93.184.216.35", "2606:2800:220:1::1"},
		"sneaky.example":       {"93.184.216.36", "10.1.2.3"},
	})

	tests := []struct {
		name         string
		url          string
		requireHTTPS bool
		wantErr      string
	}{
		{name: "public ip https", url: "https://93.184.216.34/hooks"},
		{name: "public hostname", url: "https://hooks.market.example/escrow"},
		{name: "dual stack hostname", url: "https://kyc.vendor.example/v1"},
		{name: "http allowed outside production", url: "http://93.184.216.34/hooks"},
		{name: "http rejected when https required", url: "http://93.184.216.34/hooks", requireHTTPS: true, wantErr: "must be https"},
		{name: "bad scheme", url: "ftp://93.184.216.34", wantErr: "http or https"},
		{name: "no host", url: "https://", wantErr: "must have a host"},
		{name: "userinfo", url: "https://u:p@hooks.market.example/", wantErr: "credentials"},
		{name: "localhost", url: "https://localhost:8080", wantErr: "not allowed"},
		{name: "internal suffix", url: "https://kyc.corp.internal", wantErr: "not allowed"},
		{name: "loopback", url: "https://127.0.0.1/kyc", wantErr: "loopback"},
		{name: "private", url: "https://10.0.0.5/kyc", wantErr: "private"},
		{name: "link local metadata", url: "http://169.254.169.254/latest", wantErr: "link-local"},
		{name: "unspecified", url: "https://0.0.0.0", wantErr: "unspecified"},
		{name: "ipv6 loopback", url: "https://[::1]/", wantErr: "loopback"},
		{name: "v4-mapped private", url: "https://[::ffff:192.168.1.1]/", wantErr: "private"},
		{name: "carrier-grade nat", url: "https://100.64.1.1/", wantErr: "reserved"},
		{name: "one private answer poisons the host", url: "https://sneaky.example/", wantErr: "resolves to a blocked address"},
		{name: "unresolvable", url: "https://nowhere.example/", wantErr: "cannot resolve"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpointURL(tt.url, tt.requireHTTPS)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnsafeEndpoint)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
