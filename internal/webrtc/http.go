package webrtc

import (
	"errors"
	"io"
	"net/http"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
)

const maxOfferSize = 64 << 10

// OfferHandler answers POSTed SDP offers. onConnect runs after a client
// was accepted and may be nil.
func (s *Server) OfferHandler(onConnect func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		offerJSON, err := io.ReadAll(io.LimitReader(r.Body, maxOfferSize))
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}

		answerJSON, err := s.HandleOffer(offerJSON)
		if err != nil {
			logger.Warn("WebRTC", "Offer rejected: %v", err)
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, ErrBadOffer):
				status = http.StatusBadRequest
			case errors.Is(err, ErrMaxClients):
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}

		if onConnect != nil {
			onConnect()
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(answerJSON)
	}
}
