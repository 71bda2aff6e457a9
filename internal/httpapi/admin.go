package httpapi

import "net/http"

// mountAdmin wires §4.4's admin mirror surface: every management
// endpoint again, reachable only through adminGate instead of the
// normal authenticate/notBanned/permissionCheck pipeline. Handlers are
// shared with the public routes; checkRoleHierarchy and
// checkMemberHierarchy special-case the synthetic admin actor so a
// key holder is never blocked by a hierarchy check meant for members.
func (s *Server) mountAdmin(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/admin/guilds/{g}/channels", s.chain(s.handleListChannels, s.adminGate))
	mux.HandleFunc("POST /api/admin/guilds/{g}/channels", s.chain(s.handleCreateChannel, s.adminGate))
	mux.HandleFunc("PATCH /api/admin/guilds/{g}/channels/order", s.chain(s.handleReorderChannels, s.adminGate))
	mux.HandleFunc("PATCH /api/admin/channels/{c}", s.chain(s.handleUpdateChannel, s.adminGate))
	mux.HandleFunc("DELETE /api/admin/channels/{c}", s.chain(s.handleDeleteChannel, s.adminGate))

	mux.HandleFunc("GET /api/admin/guilds/{g}/roles", s.chain(s.handleListRoles, s.adminGate))
	mux.HandleFunc("POST /api/admin/guilds/{g}/roles", s.chain(s.handleCreateRole, s.adminGate))
	mux.HandleFunc("PATCH /api/admin/roles/{r}", s.chain(s.handleUpdateRole, s.adminGate))
	mux.HandleFunc("DELETE /api/admin/roles/{r}", s.chain(s.handleDeleteRole, s.adminGate))

	mux.HandleFunc("GET /api/admin/guilds/{g}/members", s.chain(s.handleListMembers, s.adminGate))
	mux.HandleFunc("PATCH /api/admin/guilds/{g}/members/{u}/nickname", s.chain(s.handleUpdateNickname, s.adminGate))
	mux.HandleFunc("PATCH /api/admin/guilds/{g}/members/{u}/roles", s.chain(s.handleUpdateMemberRoles, s.adminGate))
	mux.HandleFunc("PATCH /api/admin/guilds/{g}/members/{u}/timeout", s.chain(s.handleUpdateMemberTimeout, s.adminGate))
	mux.HandleFunc("PATCH /api/admin/guilds/{g}/members/{u}/voice", s.chain(s.handleUpdateMemberVoice, s.adminGate))
	mux.HandleFunc("POST /api/admin/guilds/{g}/members/{u}/kick", s.chain(s.handleKickMember, s.adminGate))
	mux.HandleFunc("POST /api/admin/guilds/{g}/members/{u}/ban", s.chain(s.handleBanMember, s.adminGate))
	mux.HandleFunc("POST /api/admin/guilds/{g}/members/{u}/move", s.chain(s.handleMoveMember, s.adminGate))

	mux.HandleFunc("GET /api/admin/guilds/{g}/audit", s.chain(s.handleListAudit, s.adminGate))
	mux.HandleFunc("GET /api/admin/guilds/{g}/settings", s.chain(s.handleGetSettings, s.adminGate))
	mux.HandleFunc("PATCH /api/admin/guilds/{g}/settings", s.chain(s.handleUpdateSettings, s.adminGate))

	mux.HandleFunc("DELETE /api/admin/channels/{c}/messages/{m}", s.chain(s.handleDeleteMessage, s.adminGate))
}
