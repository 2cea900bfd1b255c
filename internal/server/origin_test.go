package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "exact match", allowed: []string{"http://localhost:8080"}, origin: "http://localhost:8080", want: true},
		{name: "case insensitive", allowed: []string{"HTTP://LocalHost:8080"}, origin: "http://localhost:8080", want: true},
		{name: "other host", allowed: []string{"http://localhost:8080"}, origin: "http://evil.example", want: false},
		{name: "missing header", allowed: []string{"*"}, origin: "", want: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://anything.example", want: true},
		{name: "unparseable request origin", allowed: []string{"http://localhost:8080"}, origin: "localhost:8080", want: false},
		{name: "blank entries skipped", allowed: []string{" ", "", " https://chat.example "}, origin: "https://CHAT.example", want: true},
		{name: "invalid config entry ignored", allowed: []string{"not a url", "https://chat.example"}, origin: "https://chat.example", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := newOriginPolicy(tt.allowed, discardLogger())
			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, policy.checkOrigin(req))
		})
	}
}
