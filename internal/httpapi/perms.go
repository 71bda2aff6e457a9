package httpapi

import "github.com/remus-node/remus/internal/model"

// Local, short aliases for the permission bits this package's route
// table checks, so the route table in server.go reads at a glance.
const (
	permViewChannels     = model.PermViewChannels
	permManageChannels   = model.PermManageChannels
	permManageRoles      = model.PermManageRoles
	permManageServer     = model.PermManageServer
	permViewAuditLog     = model.PermViewAuditLog
	permSendMessages     = model.PermSendMessages
	permReadHistory      = model.PermReadHistory
	permManageMessages   = model.PermManageMessages
	permVoiceMuteMembers = model.PermVoiceMuteMembers
	permVoiceMoveMembers = model.PermVoiceMoveMembers
	permKickMembers      = model.PermKickMembers
	permBanMembers       = model.PermBanMembers
	permTimeoutMembers   = model.PermTimeoutMembers
)
