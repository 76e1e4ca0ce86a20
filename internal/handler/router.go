package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/classchat/internal/auth"
	"github.com/classchat/internal/metrics"
	"github.com/classchat/internal/middleware"
	"github.com/classchat/internal/storage"
)

// Routes: всё, из чего собирается HTTP-API чата.
type Routes struct {
	Policy  auth.Policy
	Tokens  *auth.TokenService
	Users   storage.UserStore
	Auth    *AuthHandler
	Chat    *ChatHandler
	Files   *FileHandler
	WS      *WSHandler
	Config  *ConfigHandler
	Origins string
	RPS     float64
	Burst   int
}

// NewRouter собирает chi-роутер. Каждый маршрут закрыт требованием из Policy.
func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket: иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(rt.Origins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.Authenticate(rt.Tokens, rt.Users))
	r.Use(middleware.RequestLog)
	if rt.RPS > 0 {
		r.Use(middleware.RateLimit(rt.RPS, rt.Burst))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	guard := func(op auth.Operation, h http.HandlerFunc) http.Handler {
		return middleware.Require(rt.Policy, op)(h)
	}

	r.Method(http.MethodPost, "/auth/login", guard(auth.OpLogin, rt.Auth.Login))
	r.Method(http.MethodPost, "/auth/refresh", guard(auth.OpRefresh, rt.Auth.Refresh))
	r.Method(http.MethodGet, "/auth/me", guard(auth.OpMe, rt.Auth.Me))

	r.Route("/chat", func(r chi.Router) {
		r.Method(http.MethodGet, "/config", guard(auth.OpClientConfig, rt.Config.GetChatConfig))
		r.Method(http.MethodPost, "/upload", guard(auth.OpUpload, rt.Files.Upload))
		r.Method(http.MethodGet, "/files/{name}", guard(auth.OpServeFile, rt.Files.Serve))

		// общий чат и чат класса отличаются только наличием {classroomId}
		for _, prefix := range []string{"/general", "/room/{classroomId}"} {
			r.Method(http.MethodGet, prefix, guard(auth.OpHistory, rt.Chat.History))
			r.Method(http.MethodGet, prefix+"/recent", guard(auth.OpRecent, rt.Chat.Recent))
			r.Method(http.MethodGet, prefix+"/count", guard(auth.OpCount, rt.Chat.Count))
		}
		r.Method(http.MethodGet, "/room/{classroomId}/online", guard(auth.OpPresence, rt.Chat.RoomOnline))

		r.Method(http.MethodPost, "/message/{id}/reaction", guard(auth.OpReact, rt.Chat.React))
		r.Method(http.MethodGet, "/message/{id}/reactions", guard(auth.OpReactions, rt.Chat.Reactions))
		r.Method(http.MethodGet, "/message/{id}/viewers", guard(auth.OpViewers, rt.Chat.Viewers))
		r.Method(http.MethodPost, "/messages/viewed", guard(auth.OpMarkViewed, rt.Chat.MarkViewed))
		r.Method(http.MethodGet, "/online", guard(auth.OpPresence, rt.Chat.Online))
	})

	r.Method(http.MethodGet, "/ws", guard(auth.OpConnect, rt.WS.ServeWS))
	return r
}

func allowedOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
