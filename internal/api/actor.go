package api

import (
	"net/http"
	"strconv"

	"reservo/internal/model"
	"reservo/internal/queue"
)

// Authentication happens upstream; the gateway forwards the resolved identity in these headers.
const (
	headerActorID      = "X-Actor-ID"
	headerActorRole    = "X-Actor-Role"
	headerTeamMemberID = "X-Team-Member-ID"
	headerClientID     = "X-Client-ID"
	headerClientUserID = "X-Client-User-ID"
)

func headerInt64(r *http.Request, name string) (*int64, bool) {
	raw := r.Header.Get(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, false
	}
	return &v, true
}

// actorFrom reads the caller identity. It writes 401 and returns false when the headers are unusable.
func actorFrom(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	kind := model.ActorKind(r.Header.Get(headerActorRole))
	switch kind {
	case model.ActorStaff, model.ActorManager, model.ActorClient:
	default:
		writeError(w, http.StatusUnauthorized, "missing or unknown actor role")
		return model.Actor{}, false
	}

	actor := model.Actor{Kind: kind}
	id, ok1 := headerInt64(r, headerActorID)
	member, ok2 := headerInt64(r, headerTeamMemberID)
	clientID, ok3 := headerInt64(r, headerClientID)
	clientUserID, ok4 := headerInt64(r, headerClientUserID)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		writeError(w, http.StatusUnauthorized, "malformed actor headers")
		return model.Actor{}, false
	}
	if id != nil {
		actor.ID = *id
	}
	actor.TeamMemberID = member
	actor.ClientID = clientID
	actor.ClientUserID = clientUserID
	return actor, true
}

func requireStaff(w http.ResponseWriter, actor model.Actor) bool {
	if actor.IsClient() {
		writeError(w, http.StatusForbidden, "staff access required")
		return false
	}
	return true
}

// accessFor derives board visibility: managers see and manage everything, staff see their lane.
func accessFor(actor model.Actor) queue.Access {
	if actor.IsManager() {
		return queue.Access{CanViewAll: true, CanManage: true}
	}
	return queue.Access{OwnTeamMemberID: actor.TeamMemberID}
}
