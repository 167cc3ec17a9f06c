package internal_orchestrator

import (
	internal_callsession "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/callsession"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/utils"
)

// Room names are pure functions of (episode, call). Restart recovery depends
// on this: expected placement is recomputed from identifiers, never read back
// from cached room fields.

// LobbyRoom is the shared waiting room for an episode's unscreened callers.
func LobbyRoom(episodeID uint64) string {
	return "lobby-" + utils.Uint64String(episodeID)
}

// ScreeningRoom is the private room where one screener talks to one caller.
func ScreeningRoom(episodeID, callID uint64) string {
	return "screen-" + utils.Uint64String(episodeID) + "-" + utils.Uint64String(callID)
}

// LiveRoom is the shared on-air room carrying the program feed.
func LiveRoom(episodeID uint64) string {
	return "live-" + utils.Uint64String(episodeID)
}

// RoomForPhase maps a session phase onto its expected room. Terminal phases
// have no room.
func RoomForPhase(phase internal_callsession.Phase, episodeID, callID uint64) string {
	switch phase {
	case internal_callsession.PhaseIncoming:
		return LobbyRoom(episodeID)
	case internal_callsession.PhaseScreening:
		return ScreeningRoom(episodeID, callID)
	case internal_callsession.PhaseLiveMuted, internal_callsession.PhaseLiveOnAir:
		return LiveRoom(episodeID)
	default:
		return ""
	}
}
