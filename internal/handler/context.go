package handler

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/riskwatch/platform/internal/auth"
	"github.com/riskwatch/platform/internal/domain"
)

// Login context headers set by the web client or an edge proxy.
const (
	HeaderDeviceID     = "X-Device-Id"
	HeaderDevice       = "X-Device"
	HeaderCountry      = "X-Country"
	HeaderCity         = "X-City"
	HeaderLatitude     = "X-Latitude"
	HeaderLongitude    = "X-Longitude"
	HeaderIPReputation = "X-IP-Reputation"
)

// LoginContextFromRequest builds the login context of r. A client without a
// device id is fingerprinted by user agent and address.
func LoginContextFromRequest(r *http.Request, trustProxy bool) (domain.LoginContext, error) {
	ip := auth.ClientIP(r, trustProxy)
	ua := r.UserAgent()

	lc := domain.LoginContext{
		IP:       ip,
		DeviceID: strings.TrimSpace(r.Header.Get(HeaderDeviceID)),
		Device:   headerOr(r, HeaderDevice, "Unknown Device"),
		Browser:  orDefault(ua, "Unknown Browser"),
		Location: domain.Location{
			Country: headerOr(r, HeaderCountry, "Unknown"),
			City:    headerOr(r, HeaderCity, "Unknown"),
		},
	}
	if lc.DeviceID == "" {
		lc.DeviceID = fingerprint(ua, ip)
	}

	lat, err := optionalFloat(r, HeaderLatitude)
	if err != nil {
		return lc, err
	}
	lon, err := optionalFloat(r, HeaderLongitude)
	if err != nil {
		return lc, err
	}
	lc.Location.Latitude, lc.Location.Longitude = lat, lon

	rep, err := optionalFloat(r, HeaderIPReputation)
	if err != nil {
		return lc, err
	}
	lc.IPReputation = rep

	return lc, nil
}

func fingerprint(ua, ip string) string {
	sum := md5.Sum([]byte(ua + ip))
	return hex.EncodeToString(sum[:])
}

func optionalFloat(r *http.Request, header string) (*float64, error) {
	raw := strings.TrimSpace(r.Header.Get(header))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, domain.ErrValidation(header + " must be a number")
	}
	return &v, nil
}

func headerOr(r *http.Request, header, def string) string {
	return orDefault(strings.TrimSpace(r.Header.Get(header)), def)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
