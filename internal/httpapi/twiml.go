package httpapi

import (
	"encoding/xml"
	"net/http"
	"strings"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// handleTwiML answers the provider's call webhook with instructions to open
// a media stream back to this service.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	host := s.cfg.PublicHost
	if host == "" {
		host = r.Host
	}
	host = strings.TrimSuffix(host, "/")

	doc := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{URL: "wss://" + host + "/call/media-stream"},
		},
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		http.Error(w, "twiml render failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}
