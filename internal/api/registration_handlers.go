package api

import (
	"net/http"
	"sort"

	sipstack "github.com/siprouted/siprouted/internal/sip"
)

// registrationResponse is the JSON view of one live gateway registration.
type registrationResponse struct {
	URI           string `json:"uri"`
	Username      string `json:"username"`
	Host          string `json:"host"`
	IP            string `json:"ip"`
	Expires       int    `json:"expires"`
	RegisteredOn  int64  `json:"registered_on"`
	RegisteredAgo string `json:"registered_ago"`
}

// handleListRegistrations returns the current registration cache contents.
func (s *Server) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	snap := s.registrar.Snapshot()

	out := make([]registrationResponse, len(snap))
	for i, rec := range snap {
		out[i] = registrationResponse{
			URI:           sipstack.GatewayURI(rec.Username, rec.Host),
			Username:      rec.Username,
			Host:          rec.Host,
			IP:            rec.IP,
			Expires:       rec.Expires,
			RegisteredOn:  rec.RegisteredOn,
			RegisteredAgo: rec.RegisteredAgo,
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })

	writeJSON(w, http.StatusOK, out)
}
