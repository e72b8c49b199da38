package dirsync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db/models"
)

func TestResolve(t *testing.T) {
	alice := localUser("1", "alice")
	legacy := localUser("", "legacy")
	byID := map[string]*models.DirectoryUser{"1": alice}
	byUsername := map[string]*models.DirectoryUser{"alice": alice, "legacy": legacy}

	tests := []struct {
		name      string
		remote    *models.DirectoryUser
		wantKind  MatchKind
		wantLocal *models.DirectoryUser
	}{
		{
			name:      "external id wins",
			remote:    &models.DirectoryUser{ExternalID: strPtr("1"), Username: strPtr("legacy")},
			wantKind:  MatchedByID,
			wantLocal: alice,
		},
		{
			name:      "renamed upstream keeps its id match",
			remote:    &models.DirectoryUser{ExternalID: strPtr("1"), Username: strPtr("alice2")},
			wantKind:  MatchedByID,
			wantLocal: alice,
		},
		{
			name:      "falls back to username",
			remote:    &models.DirectoryUser{ExternalID: strPtr("99"), Username: strPtr("legacy")},
			wantKind:  MatchedByUsername,
			wantLocal: legacy,
		},
		{
			name:      "username only",
			remote:    &models.DirectoryUser{Username: strPtr("alice")},
			wantKind:  MatchedByUsername,
			wantLocal: alice,
		},
		{
			name:     "unknown",
			remote:   &models.DirectoryUser{ExternalID: strPtr("2"), Username: strPtr("bob")},
			wantKind: MatchNew,
		},
		{
			name:     "no keys",
			remote:   &models.DirectoryUser{},
			wantKind: MatchNew,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.remote, byID, byUsername)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Same(t, tt.wantLocal, got.Local)
		})
	}
}

func TestResolve_DoesNotMutateIndexes(t *testing.T) {
	byID := map[string]*models.DirectoryUser{}
	byUsername := map[string]*models.DirectoryUser{"bob": localUser("", "bob")}

	Resolve(&models.DirectoryUser{ExternalID: strPtr("5"), Username: strPtr("bob")}, byID, byUsername)

	assert.Empty(t, byID)
	assert.Len(t, byUsername, 1)
	assert.Nil(t, byUsername["bob"].ExternalID)
}
