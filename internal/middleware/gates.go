package middleware

import (
	"net/http"

	"github.com/owlcap/owlcap/internal/config"
	"github.com/owlcap/owlcap/internal/esstore"
)

// gate wraps a handler with a per-user permission predicate.
func gate(check func(u *esstore.User) bool, text string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u := UserFrom(r.Context())
			if u == nil || !check(u) {
				writeForbidden(w, text)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin restricts a route to admin users.
func RequireAdmin() func(http.Handler) http.Handler {
	return gate(func(u *esstore.User) bool { return u.CreateEnabled }, "need admin privileges")
}

// RequireRemove restricts data-removal routes.
func RequireRemove() func(http.Handler) http.Handler {
	return gate(func(u *esstore.User) bool { return u.RemoveEnabled }, "need remove data privileges")
}

// RequirePacketSearch restricts hunt creation and control.
func RequirePacketSearch() func(http.Handler) http.Handler {
	return gate(func(u *esstore.User) bool { return u.PacketSearch }, "need packet search privileges")
}

// RequireStats hides the stats routes from restricted users.
func RequireStats() func(http.Handler) http.Handler {
	return gate(func(u *esstore.User) bool { return !u.HideStats }, "stats access denied")
}

// RequireFiles hides the files routes from restricted users.
func RequireFiles() func(http.Handler) http.Handler {
	return gate(func(u *esstore.User) bool { return !u.HideFiles }, "files access denied")
}

// RequirePcapDownload gates raw packet export.
func RequirePcapDownload() func(http.Handler) http.Handler {
	return gate(func(u *esstore.User) bool { return !u.DisablePcapDownload }, "pcap download denied")
}

// RequireESAdmin gates Elasticsearch administration. With an explicit
// es_admin_users list only those users pass; otherwise any admin does,
// unless this viewer fronts multiple clusters.
func RequireESAdmin(cfg *config.Config) func(http.Handler) http.Handler {
	return gate(func(u *esstore.User) bool {
		if len(cfg.ESAdminUsers) > 0 {
			for _, id := range cfg.ESAdminUsers {
				if id == u.UserID {
					return true
				}
			}
			return false
		}
		return u.CreateEnabled && !cfg.MultiES
	}, "need es admin privileges")
}
