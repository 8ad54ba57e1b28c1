package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddressClass_String(t *testing.T) {
	tests := []struct {
		c    AddressClass
		want string
	}{
		{ClassNone, "none"},
		{ClassAny, "any"},
		{ClassLAN, "lan"},
		{ClassGlobal | ClassManual, "global|manual"},
		{ClassExtern | ClassManual, "extern|manual"},
		{ClassLANPrivate, "private|lan"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.String())
		})
	}
	assert.True(t, ClassGlobalPrivate.Has(ClassGlobal))
	assert.False(t, ClassGlobal.Has(ClassGlobalPrivate))
}

func TestProtocolAndFlags(t *testing.T) {
	assert.True(t, ProtocolUDP.Valid())
	assert.True(t, ProtocolNone.Valid())
	assert.False(t, Protocol(99).Valid())
	assert.Equal(t, "tcp", ProtocolTCP.String())

	f := FlagAddresses | FlagReversal
	assert.True(t, f.Has(FlagReversal))
	assert.Equal(t, "addresses|reversal", f.String())
	assert.Equal(t, "none", RegisterFlags(0).String())
}

func TestSource_String(t *testing.T) {
	for _, s := range Sources() {
		assert.NotEqual(t, "unknown", s.String())
	}
	assert.Equal(t, "unknown", Source(0).String())
}

func TestStatusError(t *testing.T) {
	cause := errors.New("no gateway")
	err := fmt.Errorf("mapping: %w", NewStatusError(StatusUPnPNotFound, cause))

	assert.Equal(t, StatusUPnPNotFound, StatusOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "upnp_not_found")
	assert.Equal(t, StatusSuccess, StatusOf(nil))
	assert.Equal(t, StatusInternalNetworkError, StatusOf(errors.New("x")))
	assert.Equal(t, "status(999)", StatusCode(999).String())
}
