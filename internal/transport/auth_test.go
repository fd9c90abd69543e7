package transport

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator(t *testing.T) {
	token, err := Sign("s3cret", "alice")
	require.NoError(t, err)
	forged, err := Sign("guess", "alice")
	require.NoError(t, err)

	tests := []struct {
		name      string
		secret    string
		header    map[string]string
		query     string
		principal string
		wantErr   bool
	}{
		{name: "bearer", secret: "s3cret", header: map[string]string{"Authorization": "Bearer " + token}, principal: "alice"},
		{name: "query token", secret: "s3cret", query: "?access_token=" + token, principal: "alice"},
		{name: "wrong key", secret: "s3cret", header: map[string]string{"Authorization": "Bearer " + forged}, wantErr: true},
		{name: "missing token", secret: "s3cret", header: map[string]string{"X-Principal-Id": "alice"}, wantErr: true},
		{name: "header without secret", header: map[string]string{"X-Principal-Id": "bob"}, principal: "bob"},
		{name: "nothing", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws/doc"+tt.query, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			principal, err := NewAuthenticator(tt.secret).Principal(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.principal, principal)
		})
	}
}
