// Package api builds the relay's HTTP surface: the WebSocket endpoint,
// health, metrics, room occupancy and the audio proxy.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/pixelplaza/plaza/internal/metrics"
	"github.com/pixelplaza/plaza/internal/room"
)

// RoomCounter reports how many members are present in a room.
// *presence.Store implements it.
type RoomCounter interface {
	Count(ctx context.Context, room string) (int64, error)
}

// Deps are the handlers and stores the router mounts.
type Deps struct {
	WebSocket   http.HandlerFunc
	Health      http.HandlerFunc
	AudioProxy  http.Handler
	Rooms       RoomCounter
	CORSOrigins []string
	Logger      *zap.Logger
}

// RoomInfo is one entry of GET /api/rooms.
type RoomInfo struct {
	Name    string `json:"name"`
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
	Members int64  `json:"members"`
}

// NewRouter builds the root router with middlewares and routes.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", d.WebSocket)
	r.Get("/health", d.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(sub chi.Router) {
		sub.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Range"},
			ExposedHeaders: []string{"Content-Length", "Content-Range", "Accept-Ranges"},
			MaxAge:         300,
		}))
		sub.Get("/rooms", roomsHandler(d.Rooms, d.Logger))
		sub.Method(http.MethodGet, "/proxy-audio", d.AudioProxy)
	})

	return r
}

func roomsHandler(counter RoomCounter, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		out := make([]RoomInfo, 0, len(room.Names()))
		for _, n := range room.Names() {
			l := room.LayoutFor(n)
			info := RoomInfo{Name: string(n), Cols: l.Cols, Rows: l.Rows}
			if counter != nil {
				count, err := counter.Count(ctx, string(n))
				if err != nil {
					logger.Warn("room count failed", zap.String("room", string(n)), zap.Error(err))
				}
				info.Members = count
			}
			out = append(out, info)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
