package dirsync

import "github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db/models"

// MatchKind describes how a remote record correlates with the local cache
type MatchKind int

const (
	MatchNew MatchKind = iota
	MatchedByID
	MatchedByUsername
)

func (k MatchKind) String() string {
	switch k {
	case MatchedByID:
		return "matched_by_id"
	case MatchedByUsername:
		return "matched_by_username"
	default:
		return "new"
	}
}

// MatchOutcome is the result of Resolve. Local is nil for MatchNew.
type MatchOutcome struct {
	Kind  MatchKind
	Local *models.DirectoryUser
}

// Resolve finds the local row for a normalized remote record: first by external ID, then by
// username. It only reads the indexes.
func Resolve(remote *models.DirectoryUser, byExternalID, byUsername map[string]*models.DirectoryUser) MatchOutcome {
	if remote.ExternalID != nil {
		if local, ok := byExternalID[*remote.ExternalID]; ok {
			return MatchOutcome{Kind: MatchedByID, Local: local}
		}
	}
	if remote.Username != nil {
		if local, ok := byUsername[*remote.Username]; ok {
			return MatchOutcome{Kind: MatchedByUsername, Local: local}
		}
	}
	return MatchOutcome{Kind: MatchNew}
}
