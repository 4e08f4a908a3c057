package httpapi

import (
	"net/http"
	"strings"

	"voucherkit/core"
)

const (
	headerUserName    = "X-User-Name"
	headerPermissions = "X-User-Permissions"
)

// requestUser is the redeeming user described by the path and headers. The
// caller is trusted to assert permissions; "*" grants all.
type requestUser struct {
	id    core.UserID
	name  string
	perms map[string]bool
}

func (u requestUser) ID() core.UserID { return u.id }
func (u requestUser) Name() string    { return u.name }

func (u requestUser) HasPermission(key string) bool {
	return u.perms["*"] || u.perms[strings.ToLower(key)]
}

func (s *server) requestUser(w http.ResponseWriter, r *http.Request) (requestUser, bool) {
	uid, err := core.NormalizeUserID(core.UserID(r.PathValue("id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
		return requestUser{}, false
	}
	u := requestUser{id: uid, name: strings.TrimSpace(r.Header.Get(headerUserName)), perms: map[string]bool{}}
	if u.name == "" {
		u.name = string(uid)
	}
	for _, p := range strings.Split(r.Header.Get(headerPermissions), ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			u.perms[p] = true
		}
	}
	return u, true
}
