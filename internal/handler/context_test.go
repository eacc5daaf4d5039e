package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/riskwatch/platform/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginContextFromRequest(t *testing.T) {
	t.Run("reads headers", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		r.RemoteAddr = "203.0.113.10:5555"
		r.Header.Set("User-Agent", "Firefox/128")
		r.Header.Set(HeaderDeviceID, "laptop")
		r.Header.Set(HeaderDevice, "MacBook")
		r.Header.Set(HeaderCountry, "DE")
		r.Header.Set(HeaderCity, "Berlin")
		r.Header.Set(HeaderLatitude, "52.52")
		r.Header.Set(HeaderLongitude, "13.405")
		r.Header.Set(HeaderIPReputation, "0.2")

		lc, err := LoginContextFromRequest(r, false)
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.10", lc.IP)
		assert.Equal(t, "laptop", lc.DeviceID)
		assert.Equal(t, "MacBook", lc.Device)
		assert.Equal(t, "Firefox/128", lc.Browser)
		assert.Equal(t, "DE", lc.Location.Country)
		assert.Equal(t, "Berlin", lc.Location.City)
		require.NotNil(t, lc.Location.Latitude)
		assert.InDelta(t, 52.52, *lc.Location.Latitude, 1e-9)
		require.NotNil(t, lc.Location.Longitude)
		assert.InDelta(t, 13.405, *lc.Location.Longitude, 1e-9)
		assert.Equal(t, 0.2, lc.Reputation())
	})

	t.Run("defaults", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		r.RemoteAddr = "198.51.100.7:1234"
		r.Header.Del("User-Agent")

		lc, err := LoginContextFromRequest(r, false)
		require.NoError(t, err)
		assert.Equal(t, "Unknown Device", lc.Device)
		assert.Equal(t, "Unknown Browser", lc.Browser)
		assert.Equal(t, "Unknown", lc.Location.Country)
		assert.Equal(t, "Unknown", lc.Location.City)
		assert.Nil(t, lc.Location.Latitude)
		assert.Nil(t, lc.IPReputation)
		assert.Equal(t, domain.DefaultIPReputation, lc.Reputation())
		assert.Len(t, lc.DeviceID, 32)
	})

	t.Run("fingerprint is stable per agent and address", func(t *testing.T) {
		build := func(ua, addr string) string {
			r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
			r.RemoteAddr = addr
			r.Header.Set("User-Agent", ua)
			lc, err := LoginContextFromRequest(r, false)
			require.NoError(t, err)
			return lc.DeviceID
		}
		a := build("Chrome", "198.51.100.7:1")
		assert.Equal(t, a, build("Chrome", "198.51.100.7:2"))
		assert.NotEqual(t, a, build("Safari", "198.51.100.7:1"))
	})

	t.Run("forwarded address only when trusted", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		r.RemoteAddr = "10.0.0.1:443"
		r.Header.Set("X-Forwarded-For", "203.0.113.99, 10.0.0.1")

		lc, err := LoginContextFromRequest(r, true)
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.99", lc.IP)

		lc, err = LoginContextFromRequest(r, false)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", lc.IP)
	})

	t.Run("malformed coordinate", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		r.Header.Set(HeaderLatitude, "north")

		_, err := LoginContextFromRequest(r, false)
		var appErr *domain.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, http.StatusBadRequest, appErr.Status)
	})
}
