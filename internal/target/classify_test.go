package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantType   Type
		wantNorm   string
	}{
		{"domain", "example.com", DomainName, "example.com"},
		{"subdomain", "www.example.com", InternetName, "www.example.com"},
		{"uppercase domain normalizes", "EXAMPLE.COM", DomainName, "example.com"},
		{"ipv4", "93.184.216.34", IPAddress, "93.184.216.34"},
		{"private ipv4", "192.168.1.10", InternalIPAddress, "192.168.1.10"},
		{"ipv6", "2606:2800:220:1:248:1893:25c8:1946", IPv6Address, "2606:2800:220:1:248:1893:25c8:1946"},
		{"netblock", "93.184.216.0/24", Netblock, "93.184.216.0/24"},
		{"email", "User@Example.com", EmailAddr, "user@example.com"},
		{"asn", "AS15169", ASN, "AS15169"},
		{"bitcoin", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", BitcoinAddress, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"},
		{"ethereum", "0x742d35Cc6634C0532925a3b844Bc454e4438f44e", EthereumAddress, "0x742d35cc6634c0532925a3b844bc454e4438f44e"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, norm, err := Classify(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, typ)
			assert.Equal(t, tt.wantNorm, norm)
		})
	}
}

func TestClassifyUnresolvable(t *testing.T) {
	_, _, err := Classify("   ")
	require.ErrorIs(t, err, ErrUnclassifiable)
}

func TestClassifyIsDeterministic(t *testing.T) {
	t1, n1, err1 := Classify("shouldnotresolve.doesnotexist.local")
	t2, n2, err2 := Classify("shouldnotresolve.doesnotexist.local")
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, t1, t2)
	assert.Equal(t, n1, n2)
	assert.Equal(t, InternetName, t1)
}
