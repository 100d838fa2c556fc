package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"campusid.org/internal/obs"
	"campusid.org/internal/verify"
)

// handleVerify resolves a scanned token. Business outcomes (invalid, expired,
// suspended) are 200 responses with a result field; only persistence faults
// surface as server errors.
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/verify/")
	token = strings.TrimSuffix(token, "/")

	src := verify.Source{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if lat, ok := parseCoord(r.URL.Query().Get("lat")); ok {
		src.Lat = lat
	}
	if lng, ok := parseCoord(r.URL.Query().Get("lng")); ok {
		src.Lng = lng
	}

	res, err := a.verifier.Check(r.Context(), token, src)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "verification unavailable")
		return
	}

	obs.ObserveVerification(string(res.Disposition))
	a.publishScan(res, src)
	writeJSON(w, http.StatusOK, res)
}

func parseCoord(raw string) (*float64, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, false
	}
	return &v, true
}
